package config

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
