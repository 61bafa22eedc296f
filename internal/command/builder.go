// Package command turns a service spec into a concrete argv invocation.
// Commands are tokenized here once and never re-interpreted by a shell.
package command

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/loykin/servitor/internal/config"
)

// ErrMalformedCommand reports a start command that is empty or cannot be
// tokenized. It is fatal to the one Start that produced it.
var ErrMalformedCommand = errors.New("malformed command")

// Invocation is a fully resolved child invocation: executable path, literal
// arguments, complete child environment and working directory.
type Invocation struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Argv returns the executable followed by its arguments.
func (inv Invocation) Argv() []string {
	return append([]string{inv.Path}, inv.Args...)
}

// Build resolves spec into an Invocation. For wrapped services the wrapper's
// own flags (listen host, listen port, allowed origin) are prepended ahead of
// the wrapped executable, and each extra environment entry becomes a
// "-e KEY VALUE" flag pair so the child environment is auditable from the
// command line alone. Unwrapped services get the entries appended to the
// inherited environment instead.
func Build(spec config.ServiceSpec) (Invocation, error) {
	tokens, err := Tokenize(spec.Command)
	if err != nil {
		return Invocation{}, err
	}
	if len(tokens) == 0 {
		return Invocation{}, fmt.Errorf("%w: empty command for %q", ErrMalformedCommand, spec.Name)
	}

	inv := Invocation{Dir: resolveWorkDir(spec.WorkDir)}

	if spec.Wrapper != nil {
		wrap, err := Tokenize(spec.Wrapper.Command)
		if err != nil {
			return Invocation{}, err
		}
		if len(wrap) == 0 {
			return Invocation{}, fmt.Errorf("%w: empty wrapper command for %q", ErrMalformedCommand, spec.Name)
		}
		args := wrap[1:]
		args = append(args,
			"--host", spec.Wrapper.Host,
			"--port", strconv.Itoa(spec.Port),
			"--allow-origin", spec.Wrapper.AllowOrigin,
		)
		for _, k := range sortedKeys(spec.Env) {
			args = append(args, "-e", k, spec.Env[k])
		}
		args = append(args, "--")
		args = append(args, tokens...)
		inv.Path = wrap[0]
		inv.Args = args
		inv.Env = os.Environ()
		return inv, nil
	}

	inv.Path = tokens[0]
	inv.Args = tokens[1:]
	env := os.Environ()
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}
	inv.Env = env
	return inv, nil
}

// resolveWorkDir returns dir when it exists and is a directory, otherwise ""
// so the child inherits the supervisor's working directory.
func resolveWorkDir(dir string) string {
	if dir == "" {
		return ""
	}
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
