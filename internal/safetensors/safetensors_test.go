package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

// writeRaw creates a safetensors file from an arbitrary header and data.
func writeRaw(t *testing.T, header any, data []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	truncated := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(truncated, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	huge := filepath.Join(t.TempDir(), "huge.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(huge, lenBuf[:], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope"), "no such file"},
		{"truncated", truncated, "header length"},
		{"header past end", huge, "exceeds file size"},
		{"bad offsets", writeRaw(t, map[string]any{"w": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}}, make([]byte, 4)), "invalid data_offsets"},
		{"offsets past data", writeRaw(t, map[string]any{"w": entry("F32", []int{4}, 0, 16)}, make([]byte, 8)), "outside 8 data bytes"},
		{"reversed offsets", writeRaw(t, map[string]any{"w": entry("F32", []int{1}, 4, 0)}, make([]byte, 4)), "outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestMetadataIgnored(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"w":            entry("F32", []int{1}, 0, 4),
	}, make([]byte, 4))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(f.Tensors) != 1 {
		t.Fatalf("tensors = %v", f.Tensors)
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestReadTensorHalfPrecision(t *testing.T) {
	t.Parallel()

	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80) // bf16 1.0
	binary.LittleEndian.PutUint16(data[2:], 0x4000) // bf16 2.0
	binary.LittleEndian.PutUint16(data[4:], 0x3C00) // f16 1.0
	binary.LittleEndian.PutUint16(data[6:], 0xC000) // f16 -2.0
	path := writeRaw(t, map[string]any{
		"bf": entry("BF16", []int{2}, 0, 4),
		"hf": entry("F16", []int{2}, 4, 8),
		"i":  entry("I32", []int{1}, 0, 4),
	}, data)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bf, _, err := f.ReadTensorF32("bf")
	if err != nil {
		t.Fatalf("bf16: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2}, bf); diff != "" {
		t.Fatalf("bf16 (-want +got):\n%s", diff)
	}
	hf, _, err := f.ReadTensorF32("hf")
	if err != nil {
		t.Fatalf("f16: %v", err)
	}
	if diff := cmp.Diff([]float32{1, -2}, hf); diff != "" {
		t.Fatalf("f16 (-want +got):\n%s", diff)
	}
	if _, _, err := f.ReadTensorF32("i"); err == nil || !strings.Contains(err.Error(), "unsupported dtype") {
		t.Fatalf("err = %v", err)
	}
}

func TestFP16Subnormal(t *testing.T) {
	t.Parallel()
	// Smallest positive subnormal: 2^-24.
	if got, want := fp16ToFloat32(0x0001), float32(math.Ldexp(1, -24)); got != want {
		t.Fatalf("got %g, want %g", got, want)
	}
	if got := fp16ToFloat32(0x7C00); !math.IsInf(float64(got), 1) {
		t.Fatalf("got %g, want +Inf", got)
	}
}

func TestWriteThenReadMat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")
	err := Write(path, map[string]Tensor{
		"b.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"a.bias":   {Shape: []int{2}, Data: []float32{-1, 0.5}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info, _ := f.Tensor("a.bias"); info.Start != 0 || info.End != 8 {
		t.Fatalf("tensors are not laid out in name order: %+v", info)
	}
	m, err := f.ReadMat("b.weight", 2, 3)
	if err != nil {
		t.Fatalf("ReadMat: %v", err)
	}
	if diff := cmp.Diff([]float32{4, 5, 6}, m.Row(1)); diff != "" {
		t.Fatalf("row 1 (-want +got):\n%s", diff)
	}
	if _, err := f.ReadMat("b.weight", 3, 2); err == nil {
		t.Fatalf("expected shape error")
	}

	if err := Write(path, map[string]Tensor{"x": {Shape: []int{3}, Data: []float32{1}}}); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
