package transmit

import (
	"encoding/json"
	"fmt"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

// Wire format of the ingestion endpoint. Field names and nesting are part
// of the backend contract and must not change without a backend release.
type submitPayload struct {
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Location  payloadLocation `json:"location"`
	Data      payloadData     `json:"data"`
}

type payloadLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type payloadData struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	CO2         float64 `json:"co2"`
	AirQuality  string  `json:"air_quality"`
	RawMQ135    int     `json:"raw_mq135"`
}

func encodeRecord(rec *telemetry.Record) ([]byte, error) {
	body, err := json.Marshal(submitPayload{
		DeviceID:  rec.DeviceID,
		Timestamp: rec.Timestamp,
		Location: payloadLocation{
			Latitude:  rec.Location.Latitude,
			Longitude: rec.Location.Longitude,
		},
		Data: payloadData{
			Temperature: rec.Temperature,
			Humidity:    rec.Humidity,
			CO2:         rec.CO2,
			AirQuality:  string(rec.AirQuality),
			RawMQ135:    rec.GasRaw,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return body, nil
}
