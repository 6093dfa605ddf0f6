package math

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

/** @brief A quaternion, used to represent rotational orientation. */
type Quaternion Vec4

/**
 * @brief a 4x4 matrix, stored row major and applied to row vectors
 * (v' = v * M). The translation lives in Data[12..14].
 */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

/**
 * @brief Represents the transform of an object in the world.
 * NOTE: The properties of this should not be edited directly, but done
 * via the methods in transform.go to ensure proper matrix generation.
 */
type Transform struct {
	/** @brief The position in the world. */
	Position Vec3
	/** @brief The rotation in the world. */
	Rotation Quaternion
	/** @brief The scale in the world. */
	Scale Vec3
	/** @brief Indicates that the local matrix needs to be recalculated. */
	IsDirty bool
	/** @brief The local transformation matrix. */
	Local Mat4
	/** @brief A parent transform if one is assigned. Can be nil. */
	Parent *Transform
}
