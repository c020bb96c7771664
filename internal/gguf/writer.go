package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvEntry struct {
	key   string
	typ   GGUFMetadataValueType
	value interface{}
}

type tensorEntry struct {
	name string
	dims []uint64
	data []float32
}

// Writer builds a GGUF v3 file with F32 tensors. Metadata and tensors are
// written in insertion order.
type Writer struct {
	kv      []kvEntry
	tensors []tensorEntry
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) AddString(key, value string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeString, value})
}

func (w *Writer) AddUint32(key string, value uint32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeUint32, value})
}

func (w *Writer) AddFloat32(key string, value float32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeFloat32, value})
}

func (w *Writer) AddStrings(key string, values []string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeArray, values})
}

// AddTensorF32 registers a tensor. dims follow the GGUF convention of the
// fastest varying dimension first.
func (w *Writer) AddTensorF32(name string, dims []uint64, data []float32) error {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	if n != uint64(len(data)) {
		return fmt.Errorf("tensor %s: dims %v describe %d elements, got %d", name, dims, n, len(data))
	}
	w.tensors = append(w.tensors, tensorEntry{name: name, dims: dims, data: data})
	return nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write serializes the file to out.
func (w *Writer) Write(out io.Writer) error {
	cw := &countingWriter{w: bufio.NewWriter(out)}

	cw.put(uint32(GGUFMagic))
	cw.put(uint32(GGUFVersion))
	cw.put(uint64(len(w.tensors)))
	cw.put(uint64(len(w.kv)))

	for _, kv := range w.kv {
		cw.str(kv.key)
		cw.put(uint32(kv.typ))
		switch v := kv.value.(type) {
		case string:
			cw.str(v)
		case []string:
			cw.put(uint32(GGUFMetadataValueTypeString))
			cw.put(uint64(len(v)))
			for _, s := range v {
				cw.str(s)
			}
		default:
			cw.put(v)
		}
	}

	offset := uint64(0)
	for _, t := range w.tensors {
		cw.str(t.name)
		cw.put(uint32(len(t.dims)))
		for _, d := range t.dims {
			cw.put(d)
		}
		cw.put(uint32(GGMLTypeF32))
		cw.put(offset)
		offset += alignUp(uint64(len(t.data))*4, DefaultAlignment)
	}

	cw.pad(DefaultAlignment)
	for _, t := range w.tensors {
		for _, v := range t.data {
			cw.put(math.Float32bits(v))
		}
		cw.pad(DefaultAlignment)
	}

	if cw.err != nil {
		return cw.err
	}
	return cw.w.Flush()
}

func alignUp(n, a uint64) uint64 {
	if rem := n % a; rem != 0 {
		return n + a - rem
	}
	return n
}

type countingWriter struct {
	w   *bufio.Writer
	n   uint64
	err error
}

func (c *countingWriter) put(v interface{}) {
	if c.err != nil {
		return
	}
	c.err = binary.Write(c.w, binary.LittleEndian, v)
	c.n += uint64(binary.Size(v))
}

func (c *countingWriter) str(s string) {
	c.put(uint64(len(s)))
	if c.err != nil {
		return
	}
	_, c.err = c.w.WriteString(s)
	c.n += uint64(len(s))
}

func (c *countingWriter) pad(a uint64) {
	if c.err != nil {
		return
	}
	if rem := c.n % a; rem != 0 {
		_, c.err = c.w.Write(make([]byte, a-rem))
		c.n += a - rem
	}
}
