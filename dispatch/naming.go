package dispatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeServiceName lower-cases the first character of name.
//
// Table keys are camelCase with a lowercase first letter while callers may send the
// type name ("Calculator" → "calculator"). The mapping is purely lexical and idempotent.
func NormalizeServiceName(name string) string {
	return lowerFirst(name)
}

// NormalizeMethodName applies the same first-letter convention to method names, so
// "add" and "Add" both resolve to the exported Go method Add.
func NormalizeMethodName(name string) string {
	return lowerFirst(name)
}

func lowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}

// descriptorSep separates parameter type descriptors inside a lookup key. Go type
// names may contain commas ("func(int, string)", "Pair[int,string]") but never NUL.
const descriptorSep = "\x00"

func validDescriptor(desc string) bool {
	return desc != "" && !strings.Contains(desc, descriptorSep)
}

// lookupKey identifies one signature inside a service.
func lookupKey(method string, paramTypes []string) string {
	return NormalizeMethodName(method) + descriptorSep + strings.Join(paramTypes, descriptorSep)
}

// signatureKey is the human readable form of a signature, "Method(type,type)".
func signatureKey(method string, paramTypes []string) string {
	return method + "(" + strings.Join(paramTypes, ",") + ")"
}
