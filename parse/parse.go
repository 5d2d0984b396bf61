// Package parse implements a parser for WattTime forecasts and their
// translation into Home Assistant statistics.
package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/lorentz83/watttime/ha"
)

// MOERUnit is the unit of the values returned by the forecast endpoint.
const MOERUnit = "lbs/MWh"

// Point is a single forecasted value.
type Point struct {
	BA        string
	PointTime time.Time
	Value     float64
	Version   string
}

type rawPoint struct {
	BA        string  `json:"ba"`
	PointTime string  `json:"point_time"`
	Value     float64 `json:"value"`
	Version   string  `json:"version"`
}

type rawForecast struct {
	GeneratedAt string     `json:"generated_at"`
	Forecast    []rawPoint `json:"forecast"`
}

// Forecast parses the body of the forecast endpoint and returns the
// points in ascending time.
//
// Without a time range the API returns a single forecast object, with a
// time range a list of them, one for each generation time. Overlapping
// forecasts are merged keeping the value of the first one.
func Forecast(r io.Reader) ([]Point, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("invalid format: empty forecast")
	}

	var forecasts []rawForecast
	if b[0] == '[' {
		err = json.Unmarshal(b, &forecasts)
	} else {
		var f rawForecast
		err = json.Unmarshal(b, &f)
		forecasts = append(forecasts, f)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}

	var (
		ret  []Point
		seen = map[time.Time]bool{}
	)
	for _, f := range forecasts {
		for i, rp := range f.Forecast {
			ts, err := time.Parse(time.RFC3339, rp.PointTime)
			if err != nil {
				return nil, fmt.Errorf("invalid format: point %d of forecast generated at %q: %w", i, f.GeneratedAt, err)
			}
			ts = ts.UTC()
			if len(ret) > 0 && ret[0].BA != rp.BA {
				return nil, fmt.Errorf("invalid format: multiple regions found (%q and %q)", ret[0].BA, rp.BA)
			}
			if seen[ts] {
				continue
			}
			seen[ts] = true
			ret = append(ret, Point{BA: rp.BA, PointTime: ts, Value: rp.Value, Version: rp.Version})
		}
	}

	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].PointTime.Before(ret[j].PointTime)
	})
	return ret, nil
}

// Translate aggregates forecast points into hourly Home Assistant statistics.
//
// WattTime forecasts a value every 5 minutes, while Home Assistant wants
// one statistic per hour starting at the hour sharp. Each hour gets the
// mean, min and max of the points inside it.
//
// The points must be sorted as returned by Forecast.
func Translate(points []Point) (ha.Statistics, error) {
	ret := ha.Statistics{
		Metadata: ha.StatisticMetadata{
			HasMean:           true,
			UnitOfMeasurement: MOERUnit,
		},
	}
	if len(points) == 0 {
		return ret, errors.New("not enough data")
	}
	ret.Metadata.Name = points[0].BA + " marginal emissions"

	var (
		cur ha.StatisticValue
		sum float64
		n   int
	)
	flush := func() {
		cur.Mean = sum / float64(n)
		ret.Stats = append(ret.Stats, cur)
	}
	for _, p := range points {
		hour := p.PointTime.Truncate(time.Hour)
		if n > 0 && !hour.Equal(cur.Start) {
			flush()
			n = 0
		}
		if n == 0 {
			cur = ha.StatisticValue{Start: hour, Min: p.Value, Max: p.Value}
			sum = 0
		}
		sum += p.Value
		n++
		if p.Value < cur.Min {
			cur.Min = p.Value
		}
		if p.Value > cur.Max {
			cur.Max = p.Value
		}
	}
	flush()

	return ret, nil
}
