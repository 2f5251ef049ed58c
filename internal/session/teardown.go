package session

import "fmt"

type step struct {
	name string
	fn   func() error
}

// runSteps runs every step in order. A failing or panicking step is logged
// and does not stop the ones after it.
func runSteps(logf func(format string, args ...any), steps ...step) int {
	failed := 0
	for _, s := range steps {
		if err := runStep(s); err != nil {
			failed++
			logf("Cleanup: %s: %v", s.name, err)
		}
	}
	return failed
}

func runStep(s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn()
}
