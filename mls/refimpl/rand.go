package refimpl

import (
	"io"

	"github.com/kalandra/kalandra/internal/env"
)

// envReader adapts an Environment's RandomBytes into an io.Reader, since
// circl's HPKE Sender.Setup takes an io.Reader rather than the
// Environment capability the rest of this module threads through.
type envReader struct{ e env.Environment }

func (r envReader) Read(p []byte) (int, error) {
	r.e.RandomBytes(p)
	return len(p), nil
}

func randReaderFor(e env.Environment) io.Reader {
	return envReader{e: e}
}
