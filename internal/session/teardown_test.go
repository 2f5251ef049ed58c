package session

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestRunStepsContinuesAfterFailures(t *testing.T) {
	t.Parallel()

	var ran []string
	var logged []string
	logf := func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}
	mark := func(name string, err error) step {
		return step{name, func() error {
			ran = append(ran, name)
			return err
		}}
	}

	failed := runSteps(logf,
		mark("one", nil),
		mark("two", errors.New("boom")),
		step{"three", func() error {
			ran = append(ran, "three")
			panic("kaboom")
		}},
		mark("four", nil),
	)

	if failed != 2 {
		t.Fatalf("failed = %d", failed)
	}
	if want := []string{"one", "two", "three", "four"}; !reflect.DeepEqual(ran, want) {
		t.Fatalf("ran %v want %v", ran, want)
	}
	want := []string{"Cleanup: two: boom", "Cleanup: three: panic: kaboom"}
	if !reflect.DeepEqual(logged, want) {
		t.Fatalf("logged %q want %q", logged, want)
	}
}
