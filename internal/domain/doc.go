// Package domain models seismic events, alert subscribers, and the rules that
// connect them.
//
// # Data Source
//
// Events come from the USGS FDSN event web service
// (https://earthquake.usgs.gov/fdsnws/event/1/) queried as GeoJSON for a
// bounding box around the monitored region. Each feature carries a catalog ID
// (e.g. "us7000pn9s"), magnitude, a place label such as
// "10 km NNE of Mandalay, Myanmar", an epoch-millisecond origin time, and
// [lon, lat, depth] coordinates. The catalog ID is the dedup key.
//
// # Severity
//
// Magnitudes map to four ordered tiers:
//
//	severe   >= 7.0   preference "severe"
//	major    >= 6.0   preference "major"
//	moderate >= 5.0   preference "significant"
//	minor     < 5.0   preference "all"
//
// A subscriber's preference names the least severe tier they want. Both
// directions of the mapping ([Classify] then [Preference.Accepts], and
// [EligiblePreferences]) read the same table in severity.go.
//
// Two magnitude floors apply before tiers matter. Records below the ingestion
// floor are never stored. Stored events below the alert floor are kept for
// statistics but never sent to subscribers.
//
// # Processing State
//
// An Event starts unprocessed. Dispatch flips Processed to true exactly once,
// after every delivery attempt for it has finished, whether or not those
// attempts succeeded. Processed events are never alerted again.
package domain
