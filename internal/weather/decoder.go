package weather

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// Channel maps a feed parameter name to its stored column
type Channel struct {
	Param  string
	Column string
}

// Channels is the fixed positional order of the value tuples
var Channels = []Channel{
	{"t2m", models.ChannelTemperature},
	{"ws_10min", models.ChannelWindSpeed},
	{"wg_10min", models.ChannelWindGust},
	{"wd_10min", models.ChannelWindDirection},
	{"rh", models.ChannelHumidity},
	{"td", models.ChannelDewPoint},
	{"r_1h", models.ChannelPrecipitation1h},
	{"ri_10min", models.ChannelPrecipitationIntensity},
	{"snow_aws", models.ChannelSnowDepth},
	{"p_sea", models.ChannelPressure},
	{"vis", models.ChannelVisibility},
	{"n_man", models.ChannelCloudCover},
	{"wawa", models.ChannelWeatherCode},
}

// Observation is one decoded row. A nil value is a missing measurement.
type Observation struct {
	ObservedAt time.Time
	Values     map[string]*float64
	Raw        string
}

// DecodeError is a structural or positional problem in the payload
type DecodeError struct {
	Path string
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return "weather payload: " + e.Msg
	}
	return fmt.Sprintf("weather payload: %s at %s", e.Msg, e.Path)
}

func missing(path string) error {
	return &DecodeError{Path: path, Msg: "expected element not found"}
}

// Element names are matched by local name, so namespace prefixes don't matter.
// Pointer fields stay nil when the element is absent.
type featureCollection struct {
	XMLName xml.Name
	Members []member `xml:"member"`
}

type member struct {
	Observation *gridSeriesObservation `xml:"GridSeriesObservation"`
}

type gridSeriesObservation struct {
	Result *observationResult `xml:"result"`
}

type observationResult struct {
	Coverage *multiPointCoverage `xml:"MultiPointCoverage"`
}

type multiPointCoverage struct {
	DomainSet *struct {
		MultiPoint *struct {
			Positions *string `xml:"positions"`
		} `xml:"SimpleMultiPoint"`
	} `xml:"domainSet"`
	RangeSet *struct {
		DataBlock *struct {
			TupleList *string `xml:"doubleOrNilReasonTupleList"`
		} `xml:"DataBlock"`
	} `xml:"rangeSet"`
	RangeType *struct {
		DataRecord *struct {
			Fields []struct {
				Name string `xml:"name,attr"`
			} `xml:"field"`
		} `xml:"DataRecord"`
	} `xml:"rangeType"`
}

// Decoder turns a multipoint coverage document into observations
type Decoder struct {
	logger zerolog.Logger
}

// NewDecoder creates a Decoder
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode zips position i with value row i. The two lists must have the same
// length; a mismatch fails the whole payload.
func (d *Decoder) Decode(payload []byte) ([]Observation, error) {
	var doc featureCollection
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, &DecodeError{Msg: fmt.Sprintf("invalid XML: %v", err)}
	}
	if doc.XMLName.Local != "FeatureCollection" {
		return nil, missing("FeatureCollection")
	}

	if len(doc.Members) == 0 || doc.Members[0].Observation == nil {
		return nil, missing("FeatureCollection.member.GridSeriesObservation")
	}
	obs := doc.Members[0].Observation
	if obs.Result == nil || obs.Result.Coverage == nil {
		return nil, missing("result.MultiPointCoverage")
	}
	coverage := obs.Result.Coverage

	if coverage.DomainSet == nil || coverage.DomainSet.MultiPoint == nil || coverage.DomainSet.MultiPoint.Positions == nil {
		return nil, missing("domainSet.SimpleMultiPoint.positions")
	}
	if coverage.RangeSet == nil || coverage.RangeSet.DataBlock == nil || coverage.RangeSet.DataBlock.TupleList == nil {
		return nil, missing("rangeSet.DataBlock.doubleOrNilReasonTupleList")
	}

	timestamps, err := parsePositions(*coverage.DomainSet.MultiPoint.Positions)
	if err != nil {
		return nil, err
	}
	rows := splitLines(*coverage.RangeSet.DataBlock.TupleList)
	if len(rows) != len(timestamps) {
		return nil, &DecodeError{
			Path: "rangeSet.DataBlock.doubleOrNilReasonTupleList",
			Msg:  fmt.Sprintf("timestamp count (%d) does not match value row count (%d)", len(timestamps), len(rows)),
		}
	}
	if len(timestamps) == 0 {
		return []Observation{}, nil
	}

	if coverage.RangeType != nil && coverage.RangeType.DataRecord != nil {
		names := make([]string, 0, len(coverage.RangeType.DataRecord.Fields))
		for _, f := range coverage.RangeType.DataRecord.Fields {
			names = append(names, f.Name)
		}
		d.checkManifest(names)
	}

	observations := make([]Observation, 0, len(rows))
	for i, row := range rows {
		tokens := strings.Fields(row)
		values := make(map[string]*float64, len(Channels))
		for j, ch := range Channels {
			if j < len(tokens) {
				values[ch.Column] = parseValue(tokens[j])
			} else {
				values[ch.Column] = nil
			}
		}
		observations = append(observations, Observation{
			ObservedAt: timestamps[i],
			Values:     values,
			Raw:        row,
		})
	}

	return observations, nil
}

// checkManifest warns for every index where the declared parameter differs
// from the expected one. Decoding proceeds with the fixed order.
func (d *Decoder) checkManifest(names []string) {
	n := min(len(names), len(Channels))
	for i := 0; i < n; i++ {
		if names[i] != Channels[i].Param {
			d.logger.Warn().
				Int("index", i).
				Str("expected", Channels[i].Param).
				Str("got", names[i]).
				Msg("Weather parameter order mismatch")
		}
	}
}

// parsePositions reads "lat lon unixSeconds" lines. The timestamp is the last token.
func parsePositions(raw string) ([]time.Time, error) {
	lines := splitLines(raw)
	timestamps := make([]time.Time, 0, len(lines))
	for _, line := range lines {
		parts := strings.Fields(line)
		secs, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if err != nil {
			return nil, &DecodeError{
				Path: "domainSet.SimpleMultiPoint.positions",
				Msg:  fmt.Sprintf("could not parse timestamp from position line %q", line),
			}
		}
		timestamps = append(timestamps, time.Unix(secs, 0).UTC())
	}
	return timestamps, nil
}

func splitLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseValue maps the NaN sentinel and anything unparseable to nil
func parseValue(token string) *float64 {
	v, err := strconv.ParseFloat(token, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
