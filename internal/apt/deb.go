package apt

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"path"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// ReadDebControl extracts the control stanza from a .deb archive. The
// archive is an ar container holding a control.tar member compressed with
// gzip or xz, or stored plain.
func ReadDebControl(r io.Reader) (*PackageRecord, error) {
	arr := ar.NewReader(r)
	for {
		hdr, err := arr.Next()
		if err == io.EOF {
			return nil, errors.New("deb archive has no control member")
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading deb archive")
		}

		// GNU ar appends a slash to member names.
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		if !strings.HasPrefix(name, "control.tar") {
			continue
		}

		var tarSrc io.Reader
		switch {
		case strings.HasSuffix(name, ".gz"):
			zr, err := gzip.NewReader(arr)
			if err != nil {
				return nil, errors.Wrapf(err, "decompressing %s", name)
			}
			defer func() {
				_ = zr.Close()
			}()
			tarSrc = zr
		case strings.HasSuffix(name, ".xz"):
			xr, err := xz.NewReader(arr)
			if err != nil {
				return nil, errors.Wrapf(err, "decompressing %s", name)
			}
			tarSrc = xr
		case strings.HasSuffix(name, ".tar"):
			tarSrc = arr
		default:
			return nil, errors.Wrapf(ErrUnsupportedEncoding, "%s", name)
		}

		tr := tar.NewReader(tarSrc)
		for {
			th, err := tr.Next()
			if err == io.EOF {
				return nil, errors.Newf("%s has no control file", name)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s", name)
			}
			if path.Base(th.Name) != "control" {
				continue
			}
			rec, err := NewRecordReader(tr).Next()
			if err == io.EOF {
				return nil, errors.New("control stanza is empty")
			}
			if err != nil {
				return nil, errors.Wrap(err, "parsing control stanza")
			}
			return rec, nil
		}
	}
}
