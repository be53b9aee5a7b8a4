package apt

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"path"

	"github.com/cockroachdb/errors"
	dbzip2 "github.com/dsnet/compress/bzip2"
)

// ErrUnsupportedEncoding is returned for index files whose extension names
// a transport encoding this engine cannot decode or encode.
var ErrUnsupportedEncoding = errors.New("unsupported transport encoding")

// IndexExtensions lists the encodings every published index is written in,
// side by side: plain, gzip, bzip2.
var IndexExtensions = []string{"", ".gz", ".bz2"}

// DecodeTransport decompresses fetched index bytes according to the file
// name's extension. Bare names pass through unchanged; anything other than
// .gz or .bz2 (such as .xz) fails with ErrUnsupportedEncoding.
func DecodeTransport(data []byte, name string) ([]byte, error) {
	switch path.Ext(name) {
	case ".gz":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "gzip %s", name)
		}
		defer func() {
			_ = zr.Close()
		}()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrapf(err, "gzip %s", name)
		}
		return plain, nil
	case ".bz2":
		plain, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errors.Wrapf(err, "bzip2 %s", name)
		}
		return plain, nil
	case "":
		return data, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedEncoding, "%s", name)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// EncodeTransport wraps w with the compressor matching ext. The returned
// WriteCloser must be closed to flush compressed trailers; closing does
// not close the underlying writer.
func EncodeTransport(w io.Writer, ext string) (io.WriteCloser, error) {
	switch ext {
	case "":
		return nopWriteCloser{w}, nil
	case ".gz":
		return gzip.NewWriter(w), nil
	case ".bz2":
		zw, err := dbzip2.NewWriter(w, &dbzip2.WriterConfig{Level: dbzip2.BestCompression})
		if err != nil {
			return nil, errors.Wrap(err, "bzip2 writer")
		}
		return zw, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedEncoding, "%s", ext)
}
