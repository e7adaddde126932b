package export

import (
	"fmt"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/groundtrack/internal/objects"
	"github.com/banshee-data/groundtrack/internal/perception"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// Feature kinds written in the "kind" property.
const (
	KindCluster = "cluster"
	KindObject  = "object"
	KindTrack   = "track"
)

// GeoJSON renders one tick as a FeatureCollection of points in the ground
// plane, with x as the first coordinate and z as the second. Labels are
// emitted in ascending order so output is stable.
func GeoJSON(clusters map[perception.Label][]perception.Cluster, objs map[perception.Label][]objects.Snapshot, trs []tracks.Snapshot) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, label := range sortedLabels(clusters) {
		for _, c := range clusters[label] {
			f := geojson.NewFeature(orb.Point{c.CenterX, c.CenterZ})
			f.Properties["kind"] = KindCluster
			f.Properties["label"] = int(label)
			f.Properties["cluster_id"] = int(c.ID)
			f.Properties["w"] = c.W
			f.Properties["h"] = c.H
			f.Properties["points"] = c.PointCount
			fc.Append(f)
		}
	}

	for _, label := range sortedLabels(objs) {
		for _, o := range objs[label] {
			f := geojson.NewFeature(orb.Point{o.X, o.Z})
			f.ID = o.ID
			f.Properties["kind"] = KindObject
			f.Properties["label"] = o.Label
			f.Properties["w"] = o.W
			f.Properties["h"] = o.H
			f.Properties["points"] = o.Points
			f.Properties["hits"] = o.Hits
			fc.Append(f)
		}
	}

	for _, t := range trs {
		f := geojson.NewFeature(orb.Point{t.X, t.Z})
		f.ID = t.ID
		f.Properties["kind"] = KindTrack
		f.Properties["vx"] = t.VX
		f.Properties["vz"] = t.VZ
		f.Properties["pxx"] = t.PXX
		f.Properties["pzz"] = t.PZZ
		f.Properties["hits"] = t.Hits
		f.Properties["misses"] = t.Misses
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON marshals fc to path.
func WriteGeoJSON(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling geojson: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func sortedLabels[V any](m map[perception.Label]V) []perception.Label {
	labels := make([]perception.Label, 0, len(m))
	for l := range m {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}
