package math

import (
	"encoding/binary"
	gomath "math"
)

/**
 * @brief Creates and returns an identity matrix:
 *
 * {
 *   {1, 0, 0, 0},
 *   {0, 1, 0, 0},
 *   {0, 0, 1, 0},
 *   {0, 0, 0, 1}
 * }
 */
func NewMat4Identity() Mat4 {
	out_matrix := Mat4{}
	out_matrix.Data[0] = 1.0
	out_matrix.Data[5] = 1.0
	out_matrix.Data[10] = 1.0
	out_matrix.Data[15] = 1.0
	return out_matrix
}

/**
 * @brief Returns mt * other. Applied to a row vector this is mt first,
 * then other.
 */
func (mt Mat4) Mul(other Mat4) Mat4 {
	out_matrix := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := float32(0)
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out_matrix.Data[row*4+col] = sum
		}
	}
	return out_matrix
}

/**
 * @brief Returns a transposed copy of the provided matrix (rows->colums)
 */
func NewMat4Transposed(matrix Mat4) Mat4 {
	out_matrix := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out_matrix.Data[col*4+row] = matrix.Data[row*4+col]
		}
	}
	return out_matrix
}

func (mt Mat4) At(row, col int) float32 {
	return mt.Data[row*4+col]
}

/**
 * @brief Creates and returns an inverse of the provided matrix. A singular
 * matrix yields ok == false and the identity.
 */
func (mt Mat4) Inverse() (Mat4, bool) {
	var a [4][8]float32
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = mt.Data[r*4+c]
		}
		a[r][4+r] = 1
	}

	// Gauss-Jordan with partial pivoting.
	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if kabs(a[r][col]) > kabs(a[pivot][col]) {
				pivot = r
			}
		}
		if kabs(a[pivot][col]) < K_FLOAT_EPSILON {
			return NewMat4Identity(), false
		}
		a[col], a[pivot] = a[pivot], a[col]

		inv := 1 / a[col][col]
		for c := 0; c < 8; c++ {
			a[col][c] *= inv
		}
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := a[r][col]
			if f == 0 {
				continue
			}
			for c := 0; c < 8; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	out_matrix := Mat4{}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out_matrix.Data[r*4+c] = a[r][4+c]
		}
	}
	return out_matrix, true
}

/**
 * @brief Creates and returns a translation matrix from the given position.
 */
func NewMat4Translation(position Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[12] = position.X
	out_matrix.Data[13] = position.Y
	out_matrix.Data[14] = position.Z
	return out_matrix
}

/**
 * @brief Returns a scale matrix using the provided scale.
 */
func NewMat4Scale(scale Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[0] = scale.X
	out_matrix.Data[5] = scale.Y
	out_matrix.Data[10] = scale.Z
	return out_matrix
}

func NewMat4EulerY(angle_radians float32) Mat4 {
	out_matrix := NewMat4Identity()
	c := kcos(angle_radians)
	s := ksin(angle_radians)
	out_matrix.Data[0] = c
	out_matrix.Data[2] = -s
	out_matrix.Data[8] = s
	out_matrix.Data[10] = c
	return out_matrix
}

/**
 * @brief Creates a left handed look-at matrix, or a matrix looking at target
 * from the perspective of position.
 *
 * @param position The position of the matrix.
 * @param target The position to "look at".
 * @param up The up vector.
 */
func NewMat4LookAtLH(position, target, up Vec3) Mat4 {
	z_axis := target.Sub(position).Normalized()
	x_axis := up.Cross(z_axis).Normalized()
	y_axis := z_axis.Cross(x_axis)

	out_matrix := Mat4{}
	out_matrix.Data[0] = x_axis.X
	out_matrix.Data[1] = y_axis.X
	out_matrix.Data[2] = z_axis.X
	out_matrix.Data[4] = x_axis.Y
	out_matrix.Data[5] = y_axis.Y
	out_matrix.Data[6] = z_axis.Y
	out_matrix.Data[8] = x_axis.Z
	out_matrix.Data[9] = y_axis.Z
	out_matrix.Data[10] = z_axis.Z
	out_matrix.Data[12] = -x_axis.Dot(position)
	out_matrix.Data[13] = -y_axis.Dot(position)
	out_matrix.Data[14] = -z_axis.Dot(position)
	out_matrix.Data[15] = 1.0
	return out_matrix
}

/**
 * @brief Creates a left handed perspective matrix with depth mapped to [0, 1].
 *
 * @param fov_radians The vertical field of view in radians.
 * @param aspect_ratio Width over height.
 */
func NewMat4PerspectiveLH(fov_radians, aspect_ratio, near_clip, far_clip float32) Mat4 {
	h := 1.0 / ktan(fov_radians*0.5)
	out_matrix := Mat4{}
	out_matrix.Data[0] = h / aspect_ratio
	out_matrix.Data[5] = h
	out_matrix.Data[10] = far_clip / (far_clip - near_clip)
	out_matrix.Data[11] = 1.0
	out_matrix.Data[14] = -near_clip * far_clip / (far_clip - near_clip)
	return out_matrix
}

/**
 * @brief Compares all elements and ensures the difference is less than tolerance.
 */
func (mt Mat4) Compare(other Mat4, tolerance float32) bool {
	for i := range mt.Data {
		if kabs(mt.Data[i]-other.Data[i]) > tolerance {
			return false
		}
	}
	return true
}

// AppendMat4 appends the 16 elements of m to b as little endian float32s.
func AppendMat4(b []byte, m Mat4) []byte {
	for _, f := range m.Data {
		b = binary.LittleEndian.AppendUint32(b, gomath.Float32bits(f))
	}
	return b
}

// Mat4FromBytes reads 16 little endian float32s.
func Mat4FromBytes(b []byte) Mat4 {
	m := Mat4{}
	for i := range m.Data {
		m.Data[i] = gomath.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return m
}
