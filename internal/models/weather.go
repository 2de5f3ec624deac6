package models

import "time"

// Channel names of a weather observation, as stored
const (
	ChannelTemperature            = "temperature"
	ChannelWindSpeed              = "wind_speed"
	ChannelWindGust               = "wind_gust"
	ChannelWindDirection          = "wind_direction"
	ChannelHumidity               = "humidity"
	ChannelDewPoint               = "dew_point"
	ChannelPrecipitation1h        = "precipitation_1h"
	ChannelPrecipitationIntensity = "precipitation_intensity"
	ChannelSnowDepth              = "snow_depth"
	ChannelPressure               = "pressure"
	ChannelVisibility             = "visibility"
	ChannelCloudCover             = "cloud_cover"
	ChannelWeatherCode            = "weather_code"
)

// WeatherObservation is one observation of the external weather station.
// Pressure is in hPa as published by the feed.
type WeatherObservation struct {
	ID                     int64     `db:"id" json:"id"`
	StationID              int64     `db:"station_id" json:"station_id"`
	ObservedAt             time.Time `db:"observed_at" json:"observed_at"`
	Temperature            *float64  `db:"temperature" json:"temperature"`
	WindSpeed              *float64  `db:"wind_speed" json:"wind_speed"`
	WindGust               *float64  `db:"wind_gust" json:"wind_gust"`
	WindDirection          *float64  `db:"wind_direction" json:"wind_direction"`
	Humidity               *float64  `db:"humidity" json:"humidity"`
	DewPoint               *float64  `db:"dew_point" json:"dew_point"`
	Precipitation1h        *float64  `db:"precipitation_1h" json:"precipitation_1h"`
	PrecipitationIntensity *float64  `db:"precipitation_intensity" json:"precipitation_intensity"`
	SnowDepth              *float64  `db:"snow_depth" json:"snow_depth"`
	Pressure               *float64  `db:"pressure" json:"pressure"`
	Visibility             *float64  `db:"visibility" json:"visibility"`
	CloudCover             *float64  `db:"cloud_cover" json:"cloud_cover"`
	WeatherCode            *float64  `db:"weather_code" json:"weather_code"`
	RawValues              string    `db:"raw_values" json:"raw_values"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
}

// NewWeatherObservation fills the named channels from a decoded value map.
// Channels missing from the map stay nil.
func NewWeatherObservation(stationID int64, observedAt time.Time, values map[string]*float64, raw string) WeatherObservation {
	return WeatherObservation{
		StationID:              stationID,
		ObservedAt:             observedAt.UTC(),
		Temperature:            values[ChannelTemperature],
		WindSpeed:              values[ChannelWindSpeed],
		WindGust:               values[ChannelWindGust],
		WindDirection:          values[ChannelWindDirection],
		Humidity:               values[ChannelHumidity],
		DewPoint:               values[ChannelDewPoint],
		Precipitation1h:        values[ChannelPrecipitation1h],
		PrecipitationIntensity: values[ChannelPrecipitationIntensity],
		SnowDepth:              values[ChannelSnowDepth],
		Pressure:               values[ChannelPressure],
		Visibility:             values[ChannelVisibility],
		CloudCover:             values[ChannelCloudCover],
		WeatherCode:            values[ChannelWeatherCode],
		RawValues:              raw,
	}
}
