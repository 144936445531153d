package fusion

import "math"

// Vec3 is a 3-axis sample or direction.
type Vec3 struct {
	X, Y, Z float64
}

func V(a [3]float64) Vec3 { return Vec3{a[0], a[1], a[2]} }

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Mul(o Vec3) Vec3      { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }
func (v Vec3) Dot(o Vec3) float64   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Norm() float64        { return math.Sqrt(v.Dot(v)) }
func (v Vec3) IsZero() bool         { return v.X == 0 && v.Y == 0 && v.Z == 0 }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Normalize returns v scaled to unit length; the zero vector is returned
// unchanged.
func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

var Identity3 = Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

func (m Mat3) Apply(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Quat is an orientation quaternion, scalar first.
type Quat struct {
	W, X, Y, Z float64
}

var IdentityQuat = Quat{W: 1}

func (q Quat) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

func (q Quat) Add(o Quat) Quat { return Quat{q.W + o.W, q.X + o.X, q.Y + o.Y, q.Z + o.Z} }

func (q Quat) Mul(o Quat) Quat {
	return Quat{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// MulVec multiplies q by the pure quaternion (0, v).
func (q Quat) MulVec(v Vec3) Quat {
	return Quat{
		W: -q.X*v.X - q.Y*v.Y - q.Z*v.Z,
		X: q.W*v.X + q.Y*v.Z - q.Z*v.Y,
		Y: q.W*v.Y - q.X*v.Z + q.Z*v.X,
		Z: q.W*v.Z + q.X*v.Y - q.Y*v.X,
	}
}

// Rotate maps a sensor-frame vector into the earth frame.
func (q Quat) Rotate(v Vec3) Vec3 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	ww, xx, yy, zz := w*w, x*x, y*y, z*z
	return Vec3{
		X: 2 * ((ww-0.5+xx)*v.X + (x*y-w*z)*v.Y + (x*z+w*y)*v.Z),
		Y: 2 * ((x*y+w*z)*v.X + (ww-0.5+yy)*v.Y + (y*z-w*x)*v.Z),
		Z: 2 * ((x*z-w*y)*v.X + (y*z+w*x)*v.Y + (ww-0.5+zz)*v.Z),
	}
}

// Euler angles in degrees.
type Euler struct {
	Roll, Pitch, Yaw float64
}

func (q Quat) Euler() Euler {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	halfMinusYY := 0.5 - y*y
	return Euler{
		Roll:  rad2deg(math.Atan2(w*x+y*z, halfMinusYY-x*x)),
		Pitch: rad2deg(asinClamped(2 * (w*y - z*x))),
		Yaw:   rad2deg(math.Atan2(w*z+x*y, halfMinusYY-z*z)),
	}
}

// RotateYaw returns q turned about the earth Z axis by deg.
func (q Quat) RotateYaw(deg float64) Quat {
	h := deg2rad(deg) / 2
	r := Quat{W: math.Cos(h), Z: math.Sin(h)}
	return r.Mul(q).Normalize()
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

func asinClamped(v float64) float64 {
	switch {
	case v <= -1:
		return -math.Pi / 2
	case v >= 1:
		return math.Pi / 2
	}
	return math.Asin(v)
}

// WrapDegrees maps an angle into (-180, 180].
func WrapDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}
