package internal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

const defaultSRID = 4326

// EncodeGeometry renders a geometry value as EWKT, e.g. SRID=4326;POINT(1 2).
func EncodeGeometry(v any) (string, error) {
	g, err := toGeometry(v)
	if err != nil {
		return "", err
	}
	if g == nil {
		return "", nil
	}
	return fmt.Sprintf("SRID=%d;%s", defaultSRID, wkt.MarshalString(g)), nil
}

// DecodeGeometry parses WKT or EWKT and returns the geometry with its SRID
// (0 when no prefix is present).
func DecodeGeometry(s string) (orb.Geometry, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, 0, nil
	}

	srid := 0
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		i := strings.IndexByte(s, ';')
		if i < 0 {
			return nil, 0, fmt.Errorf("invalid EWKT: %q", s)
		}
		n, err := strconv.Atoi(s[5:i])
		if err != nil {
			return nil, 0, fmt.Errorf("invalid SRID in %q", s)
		}
		srid = n
		s = s[i+1:]
	}

	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, 0, err
	}
	return g, srid, nil
}

func toGeometry(v any) (orb.Geometry, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case orb.Geometry:
		return g, nil
	case *geojson.Geometry:
		return g.Geometry(), nil
	case *geojson.Feature:
		return g.Geometry, nil
	case json.RawMessage:
		return geometryFromJSON(g)
	case []byte:
		return geometryFromJSON(g)
	case map[string]any:
		// kepler keeps GeoJSON features in the _geojson field
		if inner, ok := g["geometry"]; ok {
			return toGeometry(inner)
		}
		b, err := json.Marshal(g)
		if err != nil {
			return nil, err
		}
		return geometryFromJSON(b)
	case string:
		s := strings.TrimSpace(g)
		if s == "" {
			return nil, nil
		}
		if strings.HasPrefix(s, "{") {
			return geometryFromJSON([]byte(s))
		}
		geom, _, err := DecodeGeometry(s)
		return geom, err
	}
	return nil, fmt.Errorf("unsupported geometry value of type %T", v)
}

func geometryFromJSON(b []byte) (orb.Geometry, error) {
	var probe struct {
		Type     string          `json:"type"`
		Geometry json.RawMessage `json:"geometry"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, err
	}
	if probe.Type == "Feature" {
		if len(probe.Geometry) == 0 || string(probe.Geometry) == "null" {
			return nil, nil
		}
		b = probe.Geometry
	}

	g, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}
