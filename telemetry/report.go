package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

type SizeRecord struct {
	Func string
	Old  int
	New  int
}

type GapRecord struct {
	Func   string
	Opcode string
	Reason string
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// ReadSizes parses a code-size file. The function name is everything up to
// the last two fields.
func ReadSizes(path string) ([]SizeRecord, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]SizeRecord, 0, len(lines))
	for i, line := range lines {
		parts := strings.Split(line, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("%s:%d: malformed line %q", path, i+1, line)
		}
		n := len(parts)
		oldSize, err1 := strconv.Atoi(parts[n-2])
		newSize, err2 := strconv.Atoi(parts[n-1])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%s:%d: malformed sizes %q", path, i+1, line)
		}
		out = append(out, SizeRecord{Func: strings.Join(parts[:n-2], ":"), Old: oldSize, New: newSize})
	}
	return out, nil
}

func ReadGaps(path string) ([]GapRecord, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]GapRecord, 0, len(lines))
	for i, line := range lines {
		parts := strings.Split(line, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("%s:%d: malformed gap %q", path, i+1, line)
		}
		n := len(parts)
		out = append(out, GapRecord{Func: strings.Join(parts[:n-2], ":"), Opcode: parts[n-2], Reason: parts[n-1]})
	}
	return out, nil
}

// Summary aggregates one code-size file.
type Summary struct {
	File  string
	Funcs int
	Old   int
	New   int
}

// Overhead is the relative growth, 0.25 for +25%.
func (s Summary) Overhead() float64 {
	if s.Old == 0 {
		return 0
	}
	return float64(s.New-s.Old) / float64(s.Old)
}

// Report is everything found in a stat directory.
type Report struct {
	Sizes      []Summary
	JumpTables map[string]int
	Gaps       []GapRecord
}

// Summarize reads every known stat file in dir; missing files are skipped.
func Summarize(dir string) (*Report, error) {
	r := &Report{JumpTables: map[string]int{}}
	for _, name := range SizeFiles {
		recs, err := ReadSizes(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s := Summary{File: name, Funcs: len(recs)}
		for _, rec := range recs {
			s.Old += rec.Old
			s.New += rec.New
		}
		r.Sizes = append(r.Sizes, s)
	}
	lines, err := readLines(filepath.Join(dir, JumpTableJump))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, fn := range lines {
		r.JumpTables[fn]++
	}
	gaps, err := ReadGaps(filepath.Join(dir, Gaps))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	r.Gaps = gaps
	return r, nil
}

// RenderChart draws old and new sizes per stat file as a bar chart page.
func RenderChart(w io.Writer, r *Report) error {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Code size",
			Subtitle: "bytes before and after each pass",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	names := make([]string, 0, len(r.Sizes))
	before := make([]opts.BarData, 0, len(r.Sizes))
	after := make([]opts.BarData, 0, len(r.Sizes))
	for _, s := range r.Sizes {
		names = append(names, strings.TrimSuffix(s.File, ".stat"))
		before = append(before, opts.BarData{Value: s.Old})
		after = append(after, opts.BarData{Value: s.New})
	}
	bar.SetXAxis(names).
		AddSeries("old", before).
		AddSeries("new", after)

	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(w)
}
