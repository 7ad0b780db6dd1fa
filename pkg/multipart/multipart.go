// Package multipart builds a lazily-streamed multipart/form-data request
// body: fields are framed one at a time as an iterator is pulled, never
// materializing the whole body, and a field's payload can be bytes
// already in memory, a blocking io.Reader, or a caller-supplied chunk
// iterator.
package multipart

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/WhileEndless/go-httpcore/pkg/constants"
)

// Field is one entry of a multipart/form-data body, in the order it
// should appear on the wire. Exactly one of Bytes, Reader, or Chunks
// should be set; Filename distinguishes a file field (which gets a
// filename= parameter and a guessed Content-Type) from a plain field
// (which is framed as text/plain).
type Field struct {
	Name     string
	Filename string

	// ContentType overrides the guessed/default Content-Type when set.
	ContentType string

	Bytes  []byte
	Reader io.Reader
	Chunks func() ([]byte, error)
}

func (f *Field) isFile() bool { return f.Filename != "" }

func (f *Field) contentType() string {
	if f.ContentType != "" {
		return f.ContentType
	}
	if !f.isFile() {
		return "text/plain"
	}
	if ct := mime.TypeByExtension(filepath.Ext(f.Filename)); ct != "" {
		// TypeByExtension adds a charset parameter to text/* types; only
		// the bare media type is written to the part header.
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			return mediaType
		}
		return ct
	}
	return "application/octet-stream"
}

func (f *Field) preamble(boundary string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	if f.isFile() {
		fmt.Fprintf(&b, "Content-Disposition: form-data; name=%q; filename=%q\r\n", f.Name, f.Filename)
	} else {
		fmt.Fprintf(&b, "Content-Disposition: form-data; name=%q\r\n", f.Name)
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", f.contentType())
	return b.Bytes()
}

// Encoder lazily streams a sequence of Fields as a multipart/form-data
// body. It is single-use: the Iterator clears each field's payload in
// e.Fields as it emits it, so a second Iterator over the same Encoder
// finds Bytes fields already emitted (empty) and Reader/Chunks fields
// already (partially) drained.
type Encoder struct {
	Fields    []Field
	Boundary  string
	ChunkSize int
}

// New returns an Encoder over fields. If boundary is empty, a random one
// is generated. If chunkSize is <= 0, constants.DefaultMultipartChunkSize
// is used.
func New(fields []Field, boundary string, chunkSize int) *Encoder {
	if boundary == "" {
		boundary = uuid.New().String()
	}
	if chunkSize <= 0 {
		chunkSize = constants.DefaultMultipartChunkSize
	}
	return &Encoder{Fields: fields, Boundary: boundary, ChunkSize: chunkSize}
}

// ContentType returns the value to send as the request's Content-Type
// header.
func (e *Encoder) ContentType() string {
	return "multipart/form-data; boundary=" + e.Boundary
}

// Len precomputes the exact body size by iterating the fields as if each
// carried an empty payload (to get the framing overhead: boundaries,
// headers, separating CRLFs) and separately accumulating each field's
// payload size.
//
// For a Bytes field this is exact and free. For a Reader field, a
// seekable reader's size is measured with Seek without consuming it;
// a non-seekable reader is read to completion to measure it, which
// leaves nothing for a subsequent Iterator to stream - the same hazard
// the upstream implementation this package is modeled on has. For a
// Chunks field the iterator is drained the same destructive way. Call
// Len at most once, and only before iterating, if any field uses a
// non-seekable Reader or a Chunks function.
func (e *Encoder) Len() (int64, error) {
	overhead, err := e.framingOverhead()
	if err != nil {
		return 0, err
	}

	var payload int64
	for i := range e.Fields {
		f := &e.Fields[i]
		switch {
		case f.Bytes != nil:
			payload += int64(len(f.Bytes))
		case f.Reader != nil:
			n, err := sizeOfReader(f.Reader)
			if err != nil {
				return 0, err
			}
			payload += n
		case f.Chunks != nil:
			n, err := sizeOfChunks(f.Chunks)
			if err != nil {
				return 0, err
			}
			payload += n
		}
	}
	return overhead + payload, nil
}

// framingOverhead measures the body size of an equivalent encoding whose
// fields all carry empty payloads, i.e. everything that isn't payload
// bytes.
func (e *Encoder) framingOverhead() (int64, error) {
	shadow := make([]Field, len(e.Fields))
	for i, f := range e.Fields {
		shadow[i] = Field{Name: f.Name, Filename: f.Filename, ContentType: f.ContentType}
	}
	it := New(shadow, e.Boundary, e.ChunkSize).Iterator()
	var total int64
	for {
		chunk, err := it()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
		total += int64(len(chunk))
	}
}

func sizeOfReader(r io.Reader) (int64, error) {
	if s, ok := r.(io.Seeker); ok {
		cur, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		end, err := s.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		if _, err := s.Seek(cur, io.SeekStart); err != nil {
			return 0, err
		}
		return end - cur, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func sizeOfChunks(next func() ([]byte, error)) (int64, error) {
	var total int64
	for {
		chunk, err := next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
		total += int64(len(chunk))
	}
}

// Iterator returns a pull-based chunk producer: each call returns the
// next chunk of the encoded body, or io.EOF once the final boundary has
// been produced.
func (e *Encoder) Iterator() func() ([]byte, error) {
	fieldIdx := 0
	const (
		atPreamble = iota
		atData
		atTrailer
		atFinal
		atDone
	)
	state := atPreamble
	var cur *Field

	return func() ([]byte, error) {
		for {
			switch state {
			case atDone:
				return nil, io.EOF

			case atFinal:
				state = atDone
				return []byte(fmt.Sprintf("--%s--\r\n", e.Boundary)), nil

			case atPreamble:
				if fieldIdx >= len(e.Fields) {
					state = atFinal
					continue
				}
				cur = &e.Fields[fieldIdx]
				state = atData
				return cur.preamble(e.Boundary), nil

			case atData:
				chunk, done, err := nextDataChunk(cur, e.ChunkSize)
				if err != nil {
					return nil, err
				}
				if done {
					state = atTrailer
					if len(chunk) == 0 {
						continue
					}
					return chunk, nil
				}
				return chunk, nil

			case atTrailer:
				fieldIdx++
				state = atPreamble
				return []byte("\r\n"), nil
			}
		}
	}
}

// nextDataChunk returns the next chunk of f's payload. done is true once
// the field's payload is exhausted; chunk may be non-empty even when
// done is true (the final chunk).
func nextDataChunk(f *Field, chunkSize int) (chunk []byte, done bool, err error) {
	switch {
	case f.Bytes != nil:
		data := f.Bytes
		f.Bytes = nil
		return data, true, nil

	case f.Reader != nil:
		buf := make([]byte, chunkSize)
		n, err := f.Reader.Read(buf)
		if n > 0 {
			return buf[:n], false, nil
		}
		if err == io.EOF || err == nil {
			f.Reader = nil
			return nil, true, nil
		}
		return nil, false, err

	case f.Chunks != nil:
		data, err := f.Chunks()
		if err == io.EOF {
			f.Chunks = nil
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		return data, false, nil

	default:
		return nil, true, nil
	}
}
