package remote

import "fmt"

// ErrRemoteDisconnect is returned when a call fails because the RPC
// transport has closed. It is fatal for the owning Display; existing
// surfaces are expected to fail on their next RequestRender and be
// reaped by the application, per spec.md SS7.
type ErrRemoteDisconnect struct {
	Cause error
}

func (e ErrRemoteDisconnect) Error() string {
	return fmt.Sprintf("remote: disconnected: %v", e.Cause)
}

func (e ErrRemoteDisconnect) Unwrap() error { return e.Cause }

// DisplayProxy is the remote display object: the thing whose creation
// yields a render-node path and whose CreateSurface calls mint numeric
// surface ids unique within this Display (spec.md SS9: ids are not
// assumed globally unique across Displays).
type DisplayProxy struct {
	conn *Conn
}

// CreateDisplayProxy asks the compositor to create (or attach to) its
// remote display object over conn.
func CreateDisplayProxy(conn *Conn) (*DisplayProxy, error) {
	resp, err := conn.send(newRequest(opCreateDisplay))
	if err != nil {
		return nil, ErrRemoteDisconnect{Cause: err}
	}
	if !resp.ok {
		return nil, fmt.Errorf("remote: compositor refused display creation")
	}
	return &DisplayProxy{conn: conn}, nil
}

// OnNotify installs f to receive every Rendered/Published push the
// compositor sends for any surface on this display's connection.
func (d *DisplayProxy) OnNotify(f NotifyHandler) {
	d.conn.SetNotifyHandler(f)
}

// RenderNodePath fetches the DRM render node path the compositor wants
// this client to open.
func (d *DisplayProxy) RenderNodePath() (string, error) {
	resp, err := d.conn.send(newRequest(opRenderNodePath))
	if err != nil {
		return "", ErrRemoteDisconnect{Cause: err}
	}
	if !resp.ok {
		return "", fmt.Errorf("remote: compositor refused render node path")
	}
	return resp.readString()
}

// CreateSurface allocates a remote-side surface proxy for name at w x h.
// The compositor assigns the returned numeric id.
func (d *DisplayProxy) CreateSurface(name string, w, h uint32) (*SurfaceProxy, error) {
	req := newRequest(opCreateSurface)
	req.writeString(name)
	req.writeUint32(w)
	req.writeUint32(h)

	resp, err := d.conn.send(req)
	if err != nil {
		return nil, ErrRemoteDisconnect{Cause: err}
	}
	if !resp.ok {
		return nil, fmt.Errorf("remote: compositor refused surface %q", name)
	}

	id, err := resp.readUint32()
	if err != nil {
		return nil, fmt.Errorf("remote: decode surface id: %w", err)
	}

	return &SurfaceProxy{conn: d.conn, id: id}, nil
}

// SurfaceProxy is the remote-side handle for one client surface.
type SurfaceProxy struct {
	conn *Conn
	id   uint32
}

// Native returns the numeric id the compositor assigned this surface.
func (s *SurfaceProxy) Native() uint32 { return s.id }

// Release tells the compositor this client is done with the surface.
func (s *SurfaceProxy) Release() error {
	req := newRequest(opReleaseSurface)
	req.writeUint32(s.id)

	resp, err := s.conn.send(req)
	if err != nil {
		return ErrRemoteDisconnect{Cause: err}
	}
	if !resp.ok {
		return fmt.Errorf("remote: compositor refused release of surface %d", s.id)
	}
	return nil
}
