// Package dispatch resolves a decoded Request to a local method and invokes it.
//
// A Table maps service names to the callable methods of a receiver. Every method is
// resolved when its receiver is registered: the table stores one Invoker per
// (service, method, parameter types) key, so a call naming an unknown service, method or
// signature is a plain lookup miss at dispatch time.
//
// The table is populated once at startup and only read afterwards, so it takes no locks.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"lite-rpc/message"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrDuplicate = errors.New("dispatch: already registered")

// Invoker calls one resolved method with positional, still-encoded parameters.
// The dispatcher passes exactly one param per descriptor of the signature it was
// registered under.
type Invoker func(ctx context.Context, params []json.RawMessage) (any, error)

type serviceEntry struct {
	name       string
	invokers   map[string]Invoker  // lookupKey → invoker
	signatures map[string]string   // lookupKey → signatureKey
	methods    map[string][]string // normalized method name → signature keys, for error messages
}

// Table is the service name → service mapping consumed by the Dispatcher.
type Table struct {
	services map[string]*serviceEntry
}

func NewTable() *Table {
	return &Table{services: make(map[string]*serviceEntry)}
}

// Register adds rcvr under its type name, normalized ("Calculator" → "calculator").
func (t *Table) Register(rcvr any) error {
	return t.RegisterName(receiverName(rcvr), rcvr)
}

// RegisterName adds every eligible exported method of rcvr under the given service name.
func (t *Table) RegisterName(name string, rcvr any) error {
	name = NormalizeServiceName(name)
	if name == "" {
		return errors.New("dispatch: service name is empty")
	}
	if _, ok := t.services[name]; ok {
		return errors.Wrapf(ErrDuplicate, "service %q", name)
	}

	rv, methods, err := scanMethods(rcvr)
	if err != nil {
		return err
	}
	entry := t.entry(name)
	for _, mt := range methods {
		if err := entry.add(mt.method.Name, mt.descriptors(), mt.invoker(rv)); err != nil {
			return err
		}
	}
	return nil
}

// Handle registers a single explicit invoker for (service, method, paramTypes).
func (t *Table) Handle(service, method string, paramTypes []string, fn Invoker) error {
	service = NormalizeServiceName(service)
	if service == "" || method == "" {
		return errors.New("dispatch: service and method names must not be empty")
	}
	if fn == nil {
		return errors.Errorf("dispatch: nil invoker for %s.%s", service, method)
	}
	return t.entry(service).add(method, paramTypes, fn)
}

// Services returns the registered service names, sorted.
func (t *Table) Services() []string {
	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signatures returns the registered "Method(type,...)" keys of a service, sorted.
func (t *Table) Signatures(service string) []string {
	entry, ok := t.services[NormalizeServiceName(service)]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(entry.signatures))
	for _, sig := range entry.signatures {
		keys = append(keys, sig)
	}
	sort.Strings(keys)
	return keys
}

func (t *Table) entry(name string) *serviceEntry {
	entry, ok := t.services[name]
	if !ok {
		entry = &serviceEntry{
			name:       name,
			invokers:   make(map[string]Invoker),
			signatures: make(map[string]string),
			methods:    make(map[string][]string),
		}
		t.services[name] = entry
	}
	return entry
}

// add registers fn. Method names differing only in the case of their first letter
// are the same method.
func (e *serviceEntry) add(method string, paramTypes []string, fn Invoker) error {
	sig := signatureKey(method, paramTypes)
	for _, desc := range paramTypes {
		if !validDescriptor(desc) {
			return errors.Errorf("dispatch: invalid parameter type %q in %s.%s", desc, e.name, sig)
		}
	}
	key := lookupKey(method, paramTypes)
	if existing, ok := e.signatures[key]; ok {
		return errors.Wrapf(ErrDuplicate, "method %s.%s (registered as %s)", e.name, sig, existing)
	}
	e.invokers[key] = fn
	e.signatures[key] = sig
	name := NormalizeMethodName(method)
	e.methods[name] = append(e.methods[name], sig)
	return nil
}

// lookup resolves an already normalized service name and an exact signature.
// The method name is matched with NormalizeMethodName.
func (t *Table) lookup(service, method string, paramTypes []string) (Invoker, *message.Error) {
	entry, ok := t.services[service]
	if !ok {
		return nil, message.Errorf(message.KindServiceNotFound, "service %q is not registered", service)
	}
	fn, ok := entry.invokers[lookupKey(method, paramTypes)]
	if !ok {
		if known := entry.methods[NormalizeMethodName(method)]; len(known) > 0 {
			return nil, message.Errorf(message.KindMethodNotFound,
				"no method %s on service %q, candidates: %s",
				signatureKey(method, paramTypes), service, strings.Join(known, " "))
		}
		return nil, message.Errorf(message.KindMethodNotFound, "no method %q on service %q", method, service)
	}
	return fn, nil
}
