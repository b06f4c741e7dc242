package consensus

import (
	"strconv"
	"strings"

	"github.com/opd-ai/go-tor/pkg/logger"
)

// getInt resolves a net_params entry by name, clipping it into [min, max]
// and falling back to def when doc is nil, the key is absent, or the value
// does not parse as an integer (§4.H).
func getInt(doc *Document, name string, def, min, max int64, log *logger.Logger) int64 {
	if doc == nil {
		return clampInt64(def, min, max)
	}
	v, ok := doc.NetParams[name]
	if !ok {
		return clampInt64(def, min, max)
	}
	return clampInt64(v, min, max)
}

// getOverridableInt resolves a locally-configured override, falling back to
// getInt when override is false or overrideVal fails to parse (§4.H: torrc
// options like "bwauthpid" take precedence over net_params when enabled).
func getOverridableInt(doc *Document, override bool, overrideVal, name string, def, min, max int64, log *logger.Logger) int64 {
	if override {
		if n, err := strconv.ParseInt(strings.TrimSpace(overrideVal), 10, 64); err == nil {
			return clampInt64(n, min, max)
		}
		log.Warn("ignoring unparseable override value", "param", name, "value", overrideVal)
	}
	return getInt(doc, name, def, min, max, log)
}

// Well-known bounds for the "bwweightscale" net_param (BW_WEIGHT_SCALE,
// BW_MIN_WEIGHT_SCALE, BW_MAX_WEIGHT_SCALE in the original source's or.h,
// not itself in the filtered original_source/ index).
const (
	defaultBWWeightScale = 10000
	minBWWeightScale     = 1
	maxBWWeightScale     = 1<<31 - 1
)

// getBWWeight resolves a bandwidth-weight parameter from the consensus's
// separate weight-params line per §4.H: it is get_int with min=-1 and
// max=bwweightscale, where bwweightscale is itself looked up via get_int
// (networkstatus_get_bw_weight/networkstatus_get_weight_scale_param in the
// original source, networkstatus.c:2648-2680).
func getBWWeight(doc *Document, name string, def int64, log *logger.Logger) int64 {
	scale := getInt(doc, "bwweightscale", defaultBWWeightScale, minBWWeightScale, maxBWWeightScale, log)

	var v int64
	var ok bool
	if doc != nil {
		v, ok = doc.WeightParams[name]
	}
	if !ok {
		v = def
	}
	v = clampInt64(v, -1, maxBWWeightScale)
	if v > scale {
		log.Warn("consensus weight exceeds weight-scale parameter, capping", "param", name, "value", v, "scale", scale)
		v = scale
	}
	return v
}

func clampInt64(v, min, max int64) int64 {
	if min > max {
		min, max = max, min
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
