package beam

import "fmt"

// OracleError reports a failed or malformed scoring oracle call. A decode
// call that hits one is abandoned as a whole; it is never retried.
type OracleError struct {
	Step   int
	Reason string
	Err    error
}

func (e *OracleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oracle error at step %d: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("oracle error at step %d: %s", e.Step, e.Reason)
}

func (e *OracleError) Unwrap() error { return e.Err }
