package gofactors

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// SparseEntry is one non-zero of a sparse matrix in triplet form.
type SparseEntry struct {
	Row, Col int
	Value    float64
}

// SparseJacobian returns the non-zeros of the whitened Jacobian A in triplet
// form, with zero-based indices, assembled block by block without forming the
// dense matrix. Column n holds the right-hand side b.
func (g *GaussianFactorGraph) SparseJacobian(ordering Ordering) ([]SparseEntry, error) {
	offsets, n, err := g.columnLayout(ordering)
	if err != nil {
		return nil, err
	}
	jfs, err := g.jacobianFactors()
	if err != nil {
		return nil, err
	}
	var entries []SparseEntry
	row := 0
	for _, f := range jfs {
		for _, k := range f.Keys() {
			block := f.Block(k)
			if IsNil(block) {
				continue
			}
			r, c := block.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					if v := block.At(i, j); v != 0 {
						entries = append(entries, SparseEntry{row + i, offsets[k] + j, v})
					}
				}
			}
		}
		for i := 0; i < f.Rows(); i++ {
			if v := f.RHS().AtVec(i); v != 0 {
				entries = append(entries, SparseEntry{row + i, n, v})
			}
		}
		row += f.Rows()
	}
	return entries, nil
}

// SparseJacobianMatrix returns the triplets as a 3×nnz matrix with one-based
// [i; j; s] rows, the layout MATLAB's sparse() expects.
func (g *GaussianFactorGraph) SparseJacobianMatrix(ordering Ordering) (*mat.Dense, error) {
	entries, err := g.SparseJacobian(ordering)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(3, len(entries), nil)
	for i, e := range entries {
		out.Set(0, i, float64(e.Row+1))
		out.Set(1, i, float64(e.Col+1))
		out.Set(2, i, e.Value)
	}
	return out, nil
}

// Exporter defines an export interface for solutions.
type Exporter interface {
	Write(x VectorValues) error
	Close() error
}

// CSVExporter returns a new CSV exporter.
type CSVExporter struct {
	delimiter string
	keys      []Key
	hdlr      *os.File
}

// NewCSVExporter initializes a new CSV export for solutions over the given
// keys, one column per vector component.
func NewCSVExporter(keys []Key, dims map[Key]int, path, filename string) (e *CSVExporter, err error) {
	f, err := os.Create(filepath.Join(path, filename))
	if err != nil {
		return
	}
	delimiter := ","
	var hdr []string
	for _, k := range keys {
		for i := 0; i < dims[k]; i++ {
			hdr = append(hdr, fmt.Sprintf("%s[%d]", k, i))
		}
	}
	f.WriteString(fmt.Sprintf("# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter)))
	e = &CSVExporter{delimiter, keys, f}
	return
}

// Write writes one solution to the CSV file.
func (e CSVExporter) Write(x VectorValues) error {
	var vals []string
	for _, k := range e.keys {
		v, found := x[k]
		if !found {
			return fmt.Errorf("solution has no value for key %s", k)
		}
		for i := 0; i < v.Len(); i++ {
			vals = append(vals, fmt.Sprintf("%f", v.AtVec(i)))
		}
	}
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// WriteRawLn writes a raw line to the CSV file.
func (e CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// Close closes the file.
func (e CSVExporter) Close() (err error) {
	err = e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC()))
	if err != nil {
		return
	}
	return e.hdlr.Close()
}
