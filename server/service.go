package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"duorpc/codec"
	"duorpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one callable method. Supported shapes, where ctx is optional:
//
//	func([ctx], [args A]) (R, error)
//	func([ctx], [args A]) error
//	func([ctx], args *A, reply *R) error
type methodType struct {
	name      string
	fn        reflect.Value
	hasCtx    bool
	ArgType   reflect.Type // nil when the method takes no arguments
	ReplyType reflect.Type // nil when the method only returns an error
	replyArg  bool         // reply is filled through a pointer argument
}

// MethodInfo describes a registered method for the /methods listing.
type MethodInfo struct {
	Name   string `json:"name"`
	Params string `json:"params,omitempty"`
	Result string `json:"result,omitempty"`
}

// newMethod inspects fn and builds its descriptor.
func newMethod(name string, fn reflect.Value) (*methodType, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("rpc: %s is a %s, not a func", name, fn.Kind())
	}
	typ := fn.Type()
	m := &methodType{name: name, fn: fn}

	in := make([]reflect.Type, 0, typ.NumIn())
	for i := 0; i < typ.NumIn(); i++ {
		in = append(in, typ.In(i))
	}
	if len(in) > 0 && in[0] == contextType {
		m.hasCtx = true
		in = in[1:]
	}

	switch {
	case typ.NumOut() == 1 && typ.Out(0) == errorType:
	case typ.NumOut() == 2 && typ.Out(1) == errorType:
		m.ReplyType = typ.Out(0)
	default:
		return nil, fmt.Errorf("rpc: %s must return error or (result, error)", name)
	}

	switch len(in) {
	case 0:
	case 1:
		m.ArgType = in[0]
	case 2:
		if m.ReplyType != nil || in[0].Kind() != reflect.Ptr || in[1].Kind() != reflect.Ptr {
			return nil, fmt.Errorf("rpc: %s must have the form (args *A, reply *R) error", name)
		}
		m.ArgType = in[0]
		m.ReplyType = in[1].Elem()
		m.replyArg = true
	default:
		return nil, fmt.Errorf("rpc: %s takes too many arguments", name)
	}
	return m, nil
}

// decodeArgs builds the argument value from raw params. Absent params leave the zero value.
func (m *methodType) decodeArgs(params json.RawMessage) (reflect.Value, error) {
	isPtr := m.ArgType.Kind() == reflect.Ptr
	var argv reflect.Value
	if isPtr {
		argv = reflect.New(m.ArgType.Elem())
	} else {
		argv = reflect.New(m.ArgType)
	}
	if len(params) > 0 {
		if err := codec.Default.Decode(params, argv.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	if isPtr {
		return argv, nil
	}
	return argv.Elem(), nil
}

// call decodes params and invokes the method. The returned error is always a *message.Error.
func (m *methodType) call(ctx context.Context, params json.RawMessage) (any, *message.Error) {
	args := make([]reflect.Value, 0, 3)
	if m.hasCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	if m.ArgType != nil {
		argv, err := m.decodeArgs(params)
		if err != nil {
			return nil, message.DataError(message.CodeInvalidParams, message.StdError(message.CodeInvalidParams).Message, err.Error())
		}
		args = append(args, argv)
	}
	var replyv reflect.Value
	if m.replyArg {
		replyv = reflect.New(m.ReplyType)
		args = append(args, replyv)
	}

	out := m.fn.Call(args)
	if errv := out[len(out)-1]; !errv.IsNil() {
		return nil, message.AsError(errv.Interface().(error))
	}
	switch {
	case m.replyArg:
		return replyv.Interface(), nil
	case m.ReplyType != nil:
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (m *methodType) info() MethodInfo {
	mi := MethodInfo{Name: m.name}
	if m.ArgType != nil {
		mi.Params = m.ArgType.String()
	}
	if m.ReplyType != nil {
		mi.Result = m.ReplyType.String()
	}
	return mi
}

// serviceMap holds all registered methods by their public name.
type serviceMap struct {
	mu      sync.RWMutex
	methods map[string]*methodType
}

func newServiceMap() *serviceMap {
	return &serviceMap{methods: make(map[string]*methodType)}
}

func (s *serviceMap) add(m *methodType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.methods[m.name]; dup {
		return fmt.Errorf("rpc: method %s already registered", m.name)
	}
	s.methods[m.name] = m
	return nil
}

func (s *serviceMap) lookup(name string) (*methodType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// list returns the descriptors sorted by name.
func (s *serviceMap) list() []MethodInfo {
	s.mu.RLock()
	out := make([]MethodInfo, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m.info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// registerService scans the exported methods of rcvr and registers those with a supported
// signature as "Type.Method". Methods with other signatures are skipped.
func (s *serviceMap) registerService(rcvr any) (int, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return 0, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return 0, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	name := typ.Elem().Name()

	n := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		m, err := newMethod(name+"."+method.Name, val.Method(i))
		if err != nil {
			continue
		}
		if err := s.add(m); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("rpc: %s has no exported methods of a suitable type", name)
	}
	return n, nil
}
