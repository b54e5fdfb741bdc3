// Package audit provides audit sink implementations. The engine treats
// the sink as fire and forget; a failing sink must never abort the
// operation that produced the record.
package audit
