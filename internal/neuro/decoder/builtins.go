package decoder

// Builtin decoder sources. Scripted builtins double as worked examples
// for users writing their own decoders in the editor.

const passthroughSource = `# Ground-truth passthrough: echoes the reference cursor state.
x = ref.x
y = ref.y
vx = ref.vx
vy = ref.vy
confidence = 1
`

const extrapolateSource = `# Dead-reckoning baseline: advances the previous decode along the
# reference velocity for one packet interval (25 ms at 40 Hz).
dt = 0.025
x = prev.x + ref.vx * dt
y = prev.y + ref.vy * dt
vx = ref.vx
vy = ref.vy
`

// RegisterBuiltins populates the registry with the stock decoders. It is
// called once at startup, before any custom decoders are reloaded from
// the catalog database.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Descriptor{
		{
			ID:         "builtin.passthrough",
			Name:       "Passthrough (ground truth)",
			Kind:       KindScripted,
			SourceCode: passthroughSource,
		},
		{
			ID:         "builtin.extrapolate",
			Name:       "Velocity extrapolation baseline",
			Kind:       KindScripted,
			SourceCode: extrapolateSource,
		},
		{
			ID:        "builtin.linear",
			Name:      "Linear readout",
			Kind:      KindModel,
			ModelKind: "linear",
			Source:    SourceBuiltin,
		},
		{
			ID:        "builtin.mlp",
			Name:      "Two-layer MLP",
			Kind:      KindModel,
			ModelKind: "mlp",
			Source:    SourceBuiltin,
		},
		{
			ID:        "builtin.kalman",
			Name:      "Kalman-smoothed readout",
			Kind:      KindModel,
			ModelKind: "kalman",
			Source:    SourceBuiltin,
		},
		{
			ID:        "builtin.sequence",
			Name:      "Recurrent sequence decoder",
			Kind:      KindModel,
			ModelKind: "sequence",
			Source:    SourceBuiltin,
		},
	}
	for _, d := range builtins {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
