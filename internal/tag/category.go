package tag

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrUnknownCategory is returned by Name for ids that have no event behind
// them, including the reserved range markers.
var ErrUnknownCategory = errors.New("unknown event category")

var categoryNames = map[uint32]string{
	2000: "TB_UNKOWN", // sic
	2001: "TB_INPUT_OP",
	2002: "TB_OUTPUT_OP",
	2003: "TB_MATMUL_OP",

	2100: "TB_EXP_OP",
	2101: "TB_SQUARE_OP",
	2102: "TB_SQRT_OP",
	2103: "TB_MUL_SCALAR_OP",
	2104: "TB_SILU_OP",
	2105: "TB_SIGMOID_OP",
	2106: "TB_GELU_OP",
	2150: "TB_RELU_OP",
	2151: "TB_CLAMP_OP",
	2160: "TB_LOG_OP",

	2200: "TB_ADD_OP",
	2201: "TB_MUL_OP",
	2202: "TB_DIV_OP",

	2301: "TB_REDUCTION_0_OP",
	2302: "TB_REDUCTION_1_OP",
	2303: "TB_REDUCTION_2_OP",
	2304: "TB_REDUCTION_0_TO_DIMX_OP",
	2305: "TB_REDUCTION_1_TO_DIMX_OP",
	2306: "TB_REDUCTION_2_TO_DIMX_OP",
	2350: "TB_RMS_NORM_OP",

	2401: "TB_CONCAT_1_OP",
	2402: "TB_CONCAT_2_OP",
	2411: "TB_CONCAT_THEN_MATMUL_OP",
	2421: "TB_SPLIT_1_OP",
	2422: "TB_SPLIT_2_OP",

	2501: "TB_FORLOOP_ACCUM_RED_LD_SUM_OP",
	2502: "TB_FORLOOP_ACCUM_RED_LD_MEAN_OP",
	2503: "TB_FORLOOP_ACCUM_RED_LD_RMS_OP",
	2504: "TB_FORLOOP_ACCUM_REDTOX_LD_SUM_OP",

	2999: "TB_CUSTOMIZED_OP",
}

// Range markers. The producer uses them to bound a family of ops; they are
// never recorded as events of their own.
var reserved = map[uint32]string{
	2300: "TB_REDUCTION_FIRST_OP_ID",
	2349: "TB_REDUCTION_LAST_OP_ID",
	2400: "TB_CONCAT_FIRST_OP_ID",
	2409: "TB_CONCAT_LAST_OP_ID",
	2420: "TB_SPLIT_FIRST_OP_ID",
	2429: "TB_SPLIT_LAST_OP_ID",
	2500: "TB_FORLOOP_ACCUM_FIRST_OP",
	2599: "TB_FORLOOP_ACCUM_LAST_OP",
}

type family struct {
	lo, hi uint32
	name   string
}

// Ordered by lo; the first matching range wins.
var families = []family{
	{2000, 2099, "graph"},
	{2100, 2199, "unary"},
	{2200, 2299, "binary"},
	{2300, 2349, "reduction"},
	{2350, 2399, "norm"},
	{2400, 2409, "concat"},
	{2410, 2419, "fused"},
	{2420, 2429, "split"},
	{2500, 2599, "forloop_accum"},
	{2999, 2999, "custom"},
}

// Name returns the display name of an event category.
func Name(category uint32) (string, error) {
	if name, ok := categoryNames[category]; ok {
		return name, nil
	}
	if marker, ok := reserved[category]; ok {
		return "", fmt.Errorf("%w: reserved marker %s", ErrUnknownCategory, marker)
	}
	return "", ErrUnknownCategory
}

// Reserved returns the marker name when category is one of the range
// markers.
func Reserved(category uint32) (string, bool) {
	marker, ok := reserved[category]
	return marker, ok
}

// Family returns the coarse kind of operation a category belongs to, or
// "unknown" when the id falls outside every known range.
func Family(category uint32) string {
	for _, f := range families {
		if category >= f.lo && category <= f.hi {
			return f.name
		}
	}
	return "unknown"
}

// Categories returns every id Name accepts, in ascending order.
func Categories() []uint32 {
	ids := make([]uint32, 0, len(categoryNames))
	for id := range categoryNames {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
