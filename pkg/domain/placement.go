package domain

import "math"

// Transform is a 2D placement: translation, counter-clockwise rotation in
// degrees, and an optional mirror about the x axis applied before the
// rotation (the GDS reference convention).
type Transform struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Angle  float64 `json:"angle"`
	Mirror bool    `json:"mirror"`
}

// IdentityTransform is the transform of an unplaced top instance.
func IdentityTransform() Transform { return Transform{} }

// Compose applies t to child, yielding the child's placement expressed in
// t's outer frame. Mirroring flips the child's y offset and negates its
// rotation before t's own rotation and translation apply.
func (t Transform) Compose(child Transform) Transform {
	cx, cy := child.X, child.Y
	angle := child.Angle
	if t.Mirror {
		cy = -cy
		angle = -angle
	}
	sin, cos := math.Sincos(t.Angle * math.Pi / 180)
	return Transform{
		X:      t.X + cx*cos - cy*sin,
		Y:      t.Y + cx*sin + cy*cos,
		Angle:  normalizeAngle(t.Angle + angle),
		Mirror: t.Mirror != child.Mirror,
	}
}

func normalizeAngle(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// ResolveDeviceTransforms computes the absolute transforms of a device by
// composing its own placement with every placement chain of its parent cell,
// recursively up to top instances. A cell placed several times yields one
// transform per chain; an unplaced device yields the identity transform. The
// result is a pure function of the graph and is never stored.
func ResolveDeviceTransforms(view TransactionView, devicePkey int64) ([]Transform, error) {
	device, ok := view.FindDevice(devicePkey)
	if !ok {
		return nil, NotFoundPkey(EntityDevice, devicePkey)
	}
	own, placed := device.PlacementTransform()
	if !placed {
		return []Transform{IdentityTransform()}, nil
	}
	chains := cellPlacementChains(view, *device.ParentCellPkey, map[int64]bool{})
	out := make([]Transform, 0, len(chains))
	for _, chain := range chains {
		out = append(out, chain.Compose(own))
	}
	return out, nil
}

// cellPlacementChains enumerates the absolute transforms under which a cell
// appears, one per instance chain. Devices owned by the cell are its
// instances: placed ones recurse through their parent cell, unplaced ones
// are top instances contributing the identity frame. A cell with no
// instances is its own top frame. The visiting set guards against placement
// cycles longer than the self-reference the store already rejects.
func cellPlacementChains(view TransactionView, cellPkey int64, visiting map[int64]bool) []Transform {
	if visiting[cellPkey] {
		return nil
	}
	visiting[cellPkey] = true
	defer delete(visiting, cellPkey)

	var chains []Transform
	for _, instance := range view.ListDevices(cellPkey) {
		t, placed := instance.PlacementTransform()
		if !placed {
			chains = append(chains, IdentityTransform())
			continue
		}
		for _, parent := range cellPlacementChains(view, *instance.ParentCellPkey, visiting) {
			chains = append(chains, parent.Compose(t))
		}
	}
	if len(chains) == 0 {
		return []Transform{IdentityTransform()}
	}
	return chains
}
