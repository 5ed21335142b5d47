// Package afkerr names the error kinds used throughout the daemon (§7) so
// call sites can branch on kind with errors.Is instead of string matching.
package afkerr

import "errors"

// Kind markers. Wrap the underlying cause with fmt.Errorf("...: %w", Kind)
// so errors.Is(err, afkerr.Transcript) still matches through the chain.
var (
	TransportLocal  = errors.New("transport-local error")
	RemoteTransport = errors.New("remote-transport error")
	RemoteLogic     = errors.New("remote-logic error")
	Transcript      = errors.New("transcript error")
	Persistence     = errors.New("persistence error")
	Singleton       = errors.New("singleton lock error")
	Protocol        = errors.New("protocol error")
)

// Wrap annotates err with a kind marker and a message, preserving the chain
// for errors.Is/errors.As.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, cause: err}
}

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.msg == "" {
		return e.kind.Error() + ": " + e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.cause}
}
