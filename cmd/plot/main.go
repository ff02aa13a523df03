// The plot command renders the bench CSV as a grouped bar chart of
// per-operation latency, one group per workload and one bar color per
// engine.
package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

func main() {
	in := "bench_results.csv"
	if len(os.Args) > 1 {
		in = os.Args[1]
	}

	ops, byStructure, err := readResults(in)
	if err != nil {
		log.Fatal(err)
	}

	p := plot.New()
	p.Title.Text = "Index latency per operation"
	p.Y.Label.Text = "ns/op"

	width := vg.Points(20)
	offset := -width * vg.Length(len(byStructure)-1) / 2
	i := 0
	for structure, latencies := range byStructure {
		bars, err := plotter.NewBarChart(latencies, width)
		if err != nil {
			log.Fatal(err)
		}
		bars.LineStyle.Width = 0
		bars.Color = plotutil.Color(i)
		bars.Offset = offset + width*vg.Length(i)
		p.Add(bars)
		p.Legend.Add(structure, bars)
		i++
	}
	p.Legend.Top = true
	p.NominalX(ops...)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, "bench_results.png"); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Wrote bench_results.png")
}

// readResults returns the workload names in file order and a latency
// series per structure, aligned to those names.
func readResults(path string) ([]string, map[string]plotter.Values, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("no data rows in %s", path)
	}

	var ops []string
	seen := map[string]int{}
	byStructure := map[string]plotter.Values{}
	for _, row := range rows[1:] {
		structure, op := row[0], row[1]
		latency, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("bad latency in row %v: %w", row, err)
		}
		if _, ok := seen[op]; !ok {
			seen[op] = len(ops)
			ops = append(ops, op)
		}
		vals := byStructure[structure]
		for len(vals) < len(ops) {
			vals = append(vals, 0)
		}
		vals[seen[op]] = latency
		byStructure[structure] = vals
	}
	return ops, byStructure, nil
}
