package mountkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// OpenRead opens the content of node for reading. The returned stream is
// seekable; protocol adapters use it for full and ranged transfers.
func OpenRead(ctx context.Context, node FileNode) (io.ReadSeekCloser, error) {
	if !node.Exists {
		return nil, &PathError{Op: "open", Path: node.Path, Err: ErrNotFound}
	}
	if node.IsDirectory {
		return nil, &PathError{Op: "open", Path: node.Path, Err: ErrIsDir}
	}

	switch node.Source.Kind {
	case SourceEmbedded:
		return nopCloser{bytes.NewReader(node.Source.Data)}, nil
	case SourcePhysical:
		f, err := os.Open(node.Source.DiskPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &PathError{Op: "open", Path: node.Path, Err: ErrNotFound}
			}
			return nil, &PathError{Op: "open", Path: node.Path, Err: err}
		}
		return f, nil
	case SourceRemote:
		if node.Source.Opener == nil {
			return nil, &PathError{Op: "open", Path: node.Path, Err: ErrNoContent}
		}
		return node.Source.Opener.OpenContent(ctx, node)
	default:
		return nil, &PathError{Op: "open", Path: node.Path, Err: ErrNoContent}
	}
}

// OpenRange opens bytes [start, end] of node. An end below zero reads to
// the end of the content.
func OpenRange(ctx context.Context, node FileNode, start, end int64) (io.ReadCloser, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, &PathError{Op: "open", Path: node.Path, Err: fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)}
	}

	rs, err := OpenRead(ctx, node)
	if err != nil {
		return nil, err
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		rs.Close()
		return nil, &PathError{Op: "seek", Path: node.Path, Err: err}
	}

	var r io.Reader = rs
	if end >= 0 {
		r = io.LimitReader(rs, end-start+1)
	}
	return rangeReader{Reader: r, Closer: rs}, nil
}

type rangeReader struct {
	io.Reader
	io.Closer
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
