package builtin

import "github.com/n0call/rfbridged/pkg/protocol"

// RegisterAll registers every builtin protocol descriptor with r. Called
// once at startup before StartDevices.
func RegisterAll(r *protocol.Registry) error {
	for _, d := range []protocol.Descriptor{Raw, GenericSwitch, GenericAPI} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
