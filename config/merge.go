package config

// Merge returns a new map holding base overridden by override. Nested maps are merged recursively,
// any other value of override replaces the one of base. Neither input is modified.
func Merge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range override {
		overrideMap, isMap := v.(map[string]interface{})
		baseMap, baseIsMap := out[k].(map[string]interface{})
		if isMap && baseIsMap {
			out[k] = Merge(baseMap, overrideMap)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return Merge(vv, nil)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
