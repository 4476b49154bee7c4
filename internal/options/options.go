// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package options implements the configuration bundle: a recognized set
// of string-typed key/value options the host VM supplies at build() time,
// plus an optional TOML document for bulk configuration. Unlike a
// CLI/argv parser (explicitly out of scope for this core), this package
// only parses an already-assembled key/value map or an embedded document;
// there is no flag-parsing surface here.
package options

import (
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// PlanKind selects the GC algorithm, the `plan` option.
type PlanKind string

const (
	PlanImmix      PlanKind = "Immix"
	PlanGenImmix   PlanKind = "GenImmix"
	PlanConcImmix  PlanKind = "ConcImmix"
	PlanMarkSweep  PlanKind = "MarkSweep"
)

// GCTriggerKind selects between a fixed heap size and a dynamic min/max
// range, the `gc_trigger` option.
type GCTriggerKind int

const (
	TriggerFixedHeapSize GCTriggerKind = iota
	TriggerDynamic
)

// GCTrigger bundles the trigger kind with its parameters.
type GCTrigger struct {
	Kind        GCTriggerKind
	FixedBytes  uintptr
	DynamicMin  uintptr
	DynamicMax  uintptr
}

// Options is the parsed, validated configuration bundle build() takes as
// input. Every field defaults to a sane value so a host VM may supply
// only the keys it cares about.
type Options struct {
	// Threads is the GC worker pool size, the `threads` option.
	Threads int
	// Plan selects the GC algorithm, the `plan` option.
	Plan PlanKind
	// Trigger is the `gc_trigger` option.
	Trigger GCTrigger
	// StressFactor triggers a GC every StressFactor bytes allocated, for
	// testing; zero disables stress testing. The `stress_factor` option.
	StressFactor uint64
	// NoFinalizer and NoReferenceTypes disable finalizer/reference
	// processing entirely, the `no_finalizer`/`no_reference_types` options.
	NoFinalizer      bool
	NoReferenceTypes bool
	// FullHeapSystemGC forces every collection to be a full-heap GC,
	// the `full_heap_system_gc` option.
	FullHeapSystemGC bool
	// VMSpaceStart/VMSpaceSize describe externally mmapped VM-owned
	// memory to be tracked read-only, the `vm_space_{start,size}` options.
	VMSpaceStart uintptr
	VMSpaceSize  uintptr

	// OutOfMemoryHandler is called with the requested size by the root
	// package's AllocSlow when an allocation still fails after
	// RetryAttempts rounds of BlockForGC-and-retry; AllocSlow then returns
	// address.Zero. May be nil, in which case AllocSlow panics instead
	// (there is no safe default recovery the core itself can perform).
	OutOfMemoryHandler func(requestedBytes uintptr)

	// RetryAttempts bounds how many times an allocation slow path retries
	// after triggering a GC before raising HeapExhaustion.
	RetryAttempts int
}

// Default returns the baseline Options a host VM may start from and
// override piecemeal.
func Default() Options {
	return Options{
		Threads:       4,
		Plan:          PlanImmix,
		Trigger:       GCTrigger{Kind: TriggerFixedHeapSize, FixedBytes: 64 << 20},
		RetryAttempts: 3,
	}
}

// document is the TOML-unmarshalable shape of the bundle, kept separate
// from Options itself so Options can carry the non-serializable
// OutOfMemoryHandler field.
type document struct {
	Threads          *int    `toml:"threads"`
	Plan             *string `toml:"plan"`
	GCTrigger        *string `toml:"gc_trigger"`
	FixedHeapSize    *uint64 `toml:"fixed_heap_size"`
	DynamicMin       *uint64 `toml:"dynamic_min"`
	DynamicMax       *uint64 `toml:"dynamic_max"`
	StressFactor     *uint64 `toml:"stress_factor"`
	NoFinalizer      *bool   `toml:"no_finalizer"`
	NoReferenceTypes *bool   `toml:"no_reference_types"`
	FullHeapSystemGC *bool   `toml:"full_heap_system_gc"`
	VMSpaceStart     *uint64 `toml:"vm_space_start"`
	VMSpaceSize      *uint64 `toml:"vm_space_size"`
	RetryAttempts    *int    `toml:"retry_attempts"`
}

// FromTOML parses a TOML document into a fresh Options starting from
// Default(), overlaying any keys the document sets.
func FromTOML(doc string) (Options, error) {
	o := Default()
	var d document
	if _, err := toml.Decode(doc, &d); err != nil {
		return Options{}, errors.Wrap(err, "options: malformed TOML document")
	}
	applyDocument(&o, &d)
	return o, nil
}

func applyDocument(o *Options, d *document) {
	if d.Threads != nil {
		o.Threads = *d.Threads
	}
	if d.Plan != nil {
		o.Plan = PlanKind(*d.Plan)
	}
	if d.GCTrigger != nil && *d.GCTrigger == "Dynamic" {
		o.Trigger.Kind = TriggerDynamic
	}
	if d.FixedHeapSize != nil {
		o.Trigger.FixedBytes = uintptr(*d.FixedHeapSize)
	}
	if d.DynamicMin != nil {
		o.Trigger.DynamicMin = uintptr(*d.DynamicMin)
	}
	if d.DynamicMax != nil {
		o.Trigger.DynamicMax = uintptr(*d.DynamicMax)
	}
	if d.StressFactor != nil {
		o.StressFactor = *d.StressFactor
	}
	if d.NoFinalizer != nil {
		o.NoFinalizer = *d.NoFinalizer
	}
	if d.NoReferenceTypes != nil {
		o.NoReferenceTypes = *d.NoReferenceTypes
	}
	if d.FullHeapSystemGC != nil {
		o.FullHeapSystemGC = *d.FullHeapSystemGC
	}
	if d.VMSpaceStart != nil {
		o.VMSpaceStart = uintptr(*d.VMSpaceStart)
	}
	if d.VMSpaceSize != nil {
		o.VMSpaceSize = uintptr(*d.VMSpaceSize)
	}
	if d.RetryAttempts != nil {
		o.RetryAttempts = *d.RetryAttempts
	}
}

// SetKeyValue applies one string-typed key/value option on top of o,
// matching the "recognized options; string-typed key/value" contract.
// Last-wins: calling this repeatedly with the same key overwrites the
// earlier value, the same policy Go's runtime GODEBUG environment-variable
// parsing uses.
func (o *Options) SetKeyValue(key, value string) error {
	switch key {
	case "threads":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "options: threads=%q", value)
		}
		o.Threads = n
	case "plan":
		o.Plan = PlanKind(value)
	case "stress_factor":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "options: stress_factor=%q", value)
		}
		o.StressFactor = n
	case "no_finalizer":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "options: no_finalizer=%q", value)
		}
		o.NoFinalizer = b
	case "no_reference_types":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "options: no_reference_types=%q", value)
		}
		o.NoReferenceTypes = b
	case "full_heap_system_gc":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "options: full_heap_system_gc=%q", value)
		}
		o.FullHeapSystemGC = b
	case "vm_space_start":
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "options: vm_space_start=%q", value)
		}
		o.VMSpaceStart = uintptr(n)
	case "vm_space_size":
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "options: vm_space_size=%q", value)
		}
		o.VMSpaceSize = uintptr(n)
	default:
		return errors.Errorf("options: unrecognized key %q", key)
	}
	return nil
}
