package tapo

import "fmt"

// EmeterStatus is a semantic view over a device's raw energy-meter JSON
// map (spec.md §3). Raw keys use the unit-suffix convention: "name" is the
// base unit, "name_mv"/"name_ma"/"name_mw"/"name_wh" are milli/whole-hour
// variants. Missing keys return an error from the lookup helpers; the
// exported Voltage/Current/Power/Total accessors auto-scale, preferring
// the native key and falling back to the milli variant.
type EmeterStatus struct {
	raw map[string]interface{}
}

// NewEmeterStatus wraps a raw result map (typically the "result" object of
// a get_emeter_realtime / get_energy_usage / getEnergyUsage response).
func NewEmeterStatus(raw map[string]interface{}) *EmeterStatus {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return &EmeterStatus{raw: raw}
}

func (e *EmeterStatus) numeric(key string) (float64, bool) {
	v, ok := e.raw[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// lookupScaled implements the shared "native key wins, else derive from
// the milli variant" rule used by Voltage/Current/Power and their
// milli-accessor counterparts.
func (e *EmeterStatus) lookupScaled(nativeKey, milliKey string, deriveFromMilli func(float64) float64, deriveToMilli func(float64) float64, wantMilli bool) (float64, error) {
	if wantMilli {
		if v, ok := e.numeric(milliKey); ok {
			return v, nil
		}
		if v, ok := e.numeric(nativeKey); ok {
			return deriveToMilli(v), nil
		}
		return 0, fmt.Errorf("emeter: key %q (and %q) not present", milliKey, nativeKey)
	}
	if v, ok := e.numeric(nativeKey); ok {
		return v, nil
	}
	if v, ok := e.numeric(milliKey); ok {
		return deriveFromMilli(v), nil
	}
	return 0, fmt.Errorf("emeter: key %q (and %q) not present", nativeKey, milliKey)
}

func divThousand(v float64) float64 { return v / 1000.0 }
func mulThousand(v float64) float64 { return v * 1000.0 }

// Voltage returns the native "voltage" reading, or voltage_mv/1000 if only
// the milli variant is present.
func (e *EmeterStatus) Voltage() (float64, error) {
	return e.lookupScaled("voltage", "voltage_mv", divThousand, mulThousand, false)
}

// VoltageMV returns the milli-volt reading, deriving it from "voltage" if
// needed.
func (e *EmeterStatus) VoltageMV() (float64, error) {
	return e.lookupScaled("voltage", "voltage_mv", divThousand, mulThousand, true)
}

// Current returns the native "current" reading, or current_ma/1000 if only
// the milli variant is present.
func (e *EmeterStatus) Current() (float64, error) {
	return e.lookupScaled("current", "current_ma", divThousand, mulThousand, false)
}

// CurrentMA returns the milli-amp reading, deriving it from "current" if
// needed.
func (e *EmeterStatus) CurrentMA() (float64, error) {
	return e.lookupScaled("current", "current_ma", divThousand, mulThousand, true)
}

// Power returns the native "power" reading, or power_mw/1000 if only the
// milli variant is present.
func (e *EmeterStatus) Power() (float64, error) {
	return e.lookupScaled("power", "power_mw", divThousand, mulThousand, false)
}

// PowerMW returns the milli-watt reading, deriving it from "power" if
// needed.
func (e *EmeterStatus) PowerMW() (float64, error) {
	return e.lookupScaled("power", "power_mw", divThousand, mulThousand, true)
}

// Total returns the native "total" (watt-hour) reading, or total_wh if
// that is the only key present. Unlike voltage/current/power, "total"
// already has whole-unit semantics on both keys per spec.md §3, so no
// /1000 scaling is applied.
func (e *EmeterStatus) Total() (float64, error) {
	if v, ok := e.numeric("total"); ok {
		return v, nil
	}
	if v, ok := e.numeric("total_wh"); ok {
		return v, nil
	}
	return 0, fmt.Errorf("emeter: key %q (and %q) not present", "total", "total_wh")
}

// Lookup returns a raw key's numeric value, or an error if it is missing —
// the fallback for callers that need an arbitrary raw field spec.md §3
// doesn't give a named accessor for.
func (e *EmeterStatus) Lookup(key string) (float64, error) {
	if v, ok := e.numeric(key); ok {
		return v, nil
	}
	return 0, fmt.Errorf("emeter: key %q not present", key)
}
