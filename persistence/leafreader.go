package persistence

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/archivechain/poa/merkle"
	"github.com/archivechain/poa/shared"
)

// LeafReader reads the chunk hashes of an archive, merkle.NodeSize bytes each.
type LeafReader struct {
	f *os.File
	b *bufio.Reader
}

func NewLeafReader(name string) (*LeafReader, error) {
	f, err := os.OpenFile(name, os.O_RDONLY, shared.OwnerReadWrite)
	if err != nil {
		return nil, err
	}
	return &LeafReader{
		f: f,
		b: bufio.NewReader(f),
	}, nil
}

func (l *LeafReader) ReadNext() ([]byte, error) {
	ret := make([]byte, merkle.NodeSize)
	if _, err := io.ReadFull(l.b, ret); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated leaves file %v", l.f.Name())
		}
		return nil, err
	}
	return ret, nil
}

func (l *LeafReader) Width() (uint64, error) {
	info, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()) / merkle.NodeSize, nil
}

// ReadAll returns every leaf in order.
func (l *LeafReader) ReadAll() ([][]byte, error) {
	width, err := l.Width()
	if err != nil {
		return nil, err
	}
	leaves := make([][]byte, 0, width)
	for {
		leaf, err := l.ReadNext()
		if err == io.EOF {
			return leaves, nil
		}
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
}

func (l *LeafReader) Close() error {
	return l.f.Close()
}
