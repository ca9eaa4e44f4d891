package model

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func Manhattan(a, b Vec3i) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y) + abs(a.Z-b.Z)
}

// DistSq is the squared euclidean distance, computed in int64 so far-apart
// coordinates do not overflow.
func DistSq(a, b Vec3i) int64 {
	dx := int64(a.X - b.X)
	dy := int64(a.Y - b.Y)
	dz := int64(a.Z - b.Z)
	return dx*dx + dy*dy + dz*dz
}

// InRange reports whether b lies within r blocks of a. r <= 0 means unbounded.
func InRange(a, b Vec3i, r int) bool {
	if r <= 0 {
		return true
	}
	return DistSq(a, b) <= int64(r)*int64(r)
}

func Less(a, b Vec3i) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

// Box is an inclusive axis-aligned box.
type Box struct {
	Min Vec3i
	Max Vec3i
}

func BoxAround(c Vec3i, r int) Box {
	return Box{
		Min: Vec3i{X: c.X - r, Y: c.Y - r, Z: c.Z - r},
		Max: Vec3i{X: c.X + r, Y: c.Y + r, Z: c.Z + r},
	}
}

func (b Box) Contains(p Vec3i) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash spreads a coordinate over 32 bits for map sharding.
func (v Vec3i) Hash() uint32 {
	ux := uint64(uint32(int32(v.X)))
	uy := uint64(uint32(int32(v.Y)))
	uz := uint64(uint32(int32(v.Z)))
	return uint32(mix64((ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)))
}
