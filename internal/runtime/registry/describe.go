package registry

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	errspkg "github.com/drblury/queuehost/internal/runtime/errors"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	errChanType = reflect.TypeOf((<-chan error)(nil))
)

// Descriptor is what discovery learns about a handler function.
//
// Accepted shapes, where T is the payload type:
//
//	func(T)
//	func(T) error
//	func(T) <-chan error
//	func(context.Context, T)
//	func(context.Context, T) error
//	func(context.Context, T) <-chan error
type Descriptor struct {
	// Name is the fully qualified function name, e.g. "example.com/jobs.ProcessOrder".
	Name string
	// FuncName is the bare identifier, e.g. "ProcessOrder".
	FuncName string

	ParamType    reflect.Type
	WantsContext bool
	ReturnsError bool
	// Async handlers return a channel that yields one error (or nil) or is
	// closed when the work is done.
	Async bool

	fn reflect.Value
}

// Describe inspects fn. Functions that are not exported return an error
// matching ErrHandlerNotExported; any other unusable shape matches
// ErrIneligibleHandler.
func Describe(fn any) (Descriptor, error) {
	if fn == nil {
		return Descriptor{}, errspkg.ErrHandlerRequired
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return Descriptor{}, fmt.Errorf("%w: %T is not a function", errspkg.ErrIneligibleHandler, fn)
	}
	if v.IsNil() {
		return Descriptor{}, errspkg.ErrHandlerRequired
	}

	d := Descriptor{fn: v}
	d.Name = funcName(v)

	local := localName(d.Name)
	switch {
	case strings.HasSuffix(local, "-fm"):
		return Descriptor{}, fmt.Errorf("%w: %s is a method value", errspkg.ErrIneligibleHandler, d.Name)
	case local == "" || isClosure(local):
		return Descriptor{}, fmt.Errorf("%w: %s is an anonymous function", errspkg.ErrIneligibleHandler, d.Name)
	case strings.ContainsAny(local, "()."):
		return Descriptor{}, fmt.Errorf("%w: %s is a method", errspkg.ErrIneligibleHandler, d.Name)
	}
	d.FuncName = local

	if r, _ := utf8.DecodeRuneInString(local); !unicode.IsUpper(r) {
		return Descriptor{}, fmt.Errorf("%w: %s", errspkg.ErrHandlerNotExported, d.Name)
	}

	if err := d.inspectSignature(v.Type()); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %s: %v", errspkg.ErrIneligibleHandler, d.Name, err)
	}
	return d, nil
}

func (d *Descriptor) inspectSignature(t reflect.Type) error {
	if t.IsVariadic() {
		return fmt.Errorf("variadic functions are not supported")
	}

	switch t.NumIn() {
	case 1:
		d.ParamType = t.In(0)
	case 2:
		if t.In(0) != contextType {
			return fmt.Errorf("first of two parameters must be context.Context, got %s", t.In(0))
		}
		d.WantsContext = true
		d.ParamType = t.In(1)
	default:
		return fmt.Errorf("expected exactly one payload parameter, got %d parameters", t.NumIn())
	}

	switch d.ParamType.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("payload parameter of kind %s cannot be decoded", d.ParamType.Kind())
	case reflect.Interface:
		if d.ParamType.NumMethod() > 0 {
			return fmt.Errorf("payload parameter %s is a non-empty interface", d.ParamType)
		}
	}

	switch t.NumOut() {
	case 0:
	case 1:
		switch t.Out(0) {
		case errorType:
			d.ReturnsError = true
		case errChanType:
			d.Async = true
		default:
			return fmt.Errorf("result must be error or <-chan error, got %s", t.Out(0))
		}
	default:
		return fmt.Errorf("expected at most one result, got %d", t.NumOut())
	}
	return nil
}

// Call runs the handler with arg, which must be assignable to ParamType. The
// returned channel yields the handler's outcome exactly once; synchronous
// handlers resolve before Call returns. A panicking handler panics out of
// Call.
func (d Descriptor) Call(ctx context.Context, arg reflect.Value) <-chan error {
	args := make([]reflect.Value, 0, 2)
	if d.WantsContext {
		if ctx == nil {
			ctx = context.Background()
		}
		args = append(args, reflect.ValueOf(&ctx).Elem())
	}
	args = append(args, arg)

	out := d.fn.Call(args)
	switch {
	case d.Async:
		ch, _ := out[0].Interface().(<-chan error)
		if ch == nil {
			return resolved(nil)
		}
		return ch
	case d.ReturnsError:
		err, _ := out[0].Interface().(error)
		return resolved(err)
	default:
		return resolved(nil)
	}
}

func resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

func funcName(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	return stripTypeArgs(f.Name())
}

// stripTypeArgs drops the "[...]" segments generic instantiations carry, so
// "jobs.Make[...].func1" becomes "jobs.Make.func1" and keeps its closure
// suffix.
func stripTypeArgs(name string) string {
	if !strings.Contains(name, "[") {
		return name
	}
	var b strings.Builder
	depth := 0
	for _, r := range name {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// localName strips the package path from a runtime function name:
// "example.com/jobs.(*T).Run-fm" becomes "(*T).Run-fm".
func localName(full string) string {
	rest := full[strings.LastIndex(full, "/")+1:]
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return ""
	}
	return rest[dot+1:]
}

// isClosure matches compiler names of function literals such as
// "Register.func1", "Register.func1.2" and "glob..func1".
func isClosure(local string) bool {
	if !strings.Contains(local, ".") {
		return false
	}
	last := local[strings.LastIndex(local, ".")+1:]
	last = strings.TrimPrefix(last, "func")
	if last == "" {
		return false
	}
	for _, r := range last {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
