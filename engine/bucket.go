package engine

import (
	"math"

	iface "WeaponDetClient/interface"
)

type Bucket string

const (
	Bucket0to20   Bucket = "0-20%"
	Bucket21to40  Bucket = "21-40%"
	Bucket41to60  Bucket = "41-60%"
	Bucket61to80  Bucket = "61-80%"
	Bucket81to100 Bucket = "81-100%"
)

// Buckets lists the fixed buckets in display order.
var Buckets = [...]Bucket{Bucket0to20, Bucket21to40, Bucket41to60, Bucket61to80, Bucket81to100}

// ConfidenceDistribution counts detections per bucket. Only non-empty buckets are present.
type ConfidenceDistribution map[Bucket]int

func (d ConfidenceDistribution) Total() int {
	total := 0
	for _, n := range d {
		total += n
	}
	return total
}

// Counts returns all five counts in display order, zeros included.
func (d ConfidenceDistribution) Counts() [len(Buckets)]int {
	var out [len(Buckets)]int
	for i, b := range Buckets {
		out[i] = d[b]
	}
	return out
}

// BucketOf places a confidence with closed upper bounds: exactly 20% lands in 0-20%,
// exactly 80% in 61-80%.
func BucketOf(confidence float64) Bucket {
	// conf*100 can come out a hair above the bound (e.g. 0.7*100); round that noise away.
	v := math.Round(confidence*100*1e9) / 1e9
	switch {
	case v <= 20:
		return Bucket0to20
	case v <= 40:
		return Bucket21to40
	case v <= 60:
		return Bucket41to60
	case v <= 80:
		return Bucket61to80
	default:
		return Bucket81to100
	}
}

func Bucketize(detections []iface.Detection) ConfidenceDistribution {
	dist := make(ConfidenceDistribution)
	for _, d := range detections {
		dist[BucketOf(d.Confidence)]++
	}
	return dist
}
