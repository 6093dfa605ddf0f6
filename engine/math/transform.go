package math

func TransformCreate() *Transform {
	return TransformFromPositionRotationScale(NewVec3Zero(), NewQuatIdentity(), NewVec3One())
}

func TransformFromPosition(position Vec3) *Transform {
	return TransformFromPositionRotationScale(position, NewQuatIdentity(), NewVec3One())
}

func TransformFromPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) *Transform {
	t := &Transform{Local: NewMat4Identity()}
	t.SetPositionRotationScale(position, rotation, scale)
	return t
}

func (t *Transform) SetRotation(rotation Quaternion) {
	t.Rotation = rotation
	t.IsDirty = true
}

// Rotate applies rotation after the current orientation.
func (t *Transform) Rotate(rotation Quaternion) {
	t.Rotation = rotation.Mul(t.Rotation).Normalize()
	t.IsDirty = true
}

func (t *Transform) SetScale(scale Vec3) {
	t.Scale = scale
	t.IsDirty = true
}

func (t *Transform) SetPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) {
	t.Position = position
	t.Rotation = rotation
	t.Scale = scale
	t.IsDirty = true
}

func (t *Transform) GetLocal() Mat4 {
	if t != nil {
		if t.IsDirty {
			// scale, then rotate, then translate
			t.Local = NewMat4Scale(t.Scale).
				Mul(t.Rotation.ToMat4()).
				Mul(NewMat4Translation(t.Position))
			t.IsDirty = false
		}
		return t.Local
	}
	return NewMat4Identity()
}

func (t *Transform) GetWorld() Mat4 {
	if t != nil {
		l := t.GetLocal()
		if t.Parent != nil {
			return l.Mul(t.Parent.GetWorld())
		}
		return l
	}
	return NewMat4Identity()
}
