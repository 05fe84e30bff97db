package pipeline

import (
	"encoding/json"

	"github.com/nsf/jsondiff"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/colorfulnotion/silhouette/thumb"
)

// Unchanged compares the JSON models of two functions instruction by
// instruction. The text is the annotated difference when they disagree.
func Unchanged(before, after *thumb.Function) (bool, string, error) {
	a, err := json.Marshal(before)
	if err != nil {
		return false, "", err
	}
	b, err := json.Marshal(after)
	if err != nil {
		return false, "", err
	}
	opts := jsondiff.DefaultConsoleOptions()
	d, text := jsondiff.Compare(a, b, &opts)
	return d == jsondiff.FullMatch, text, nil
}

// Delta renders what a rewrite changed as an ascii diff of the JSON model.
// It is empty when nothing changed.
func Delta(before, after *thumb.Function, color bool) (string, error) {
	a, err := json.Marshal(before)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(after)
	if err != nil {
		return "", err
	}
	delta, err := gojsondiff.New().Compare(a, b)
	if err != nil {
		return "", err
	}
	if !delta.Modified() {
		return "", nil
	}
	var left map[string]interface{}
	if err := json.Unmarshal(a, &left); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       color,
	})
	return f.Format(delta)
}
