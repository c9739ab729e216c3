// Package tray provides the system tray status indicator using getlantern/systray.
package tray

import (
	"encoding/binary"
	"fmt"
	"sync"

	"keybridge/internal/network"

	"github.com/getlantern/systray"
)

// Actions are invoked from the tray menu
type Actions struct {
	Reconnect      func()
	Disconnect     func()
	OpenController func()
	Quit           func()
}

// Tray shows the channel state and offers the explicit reconnect trigger
type Tray struct {
	actions Actions

	mu      sync.Mutex
	ready   bool
	last    network.Status
	status  *systray.MenuItem
	quitCh  chan struct{}
	stopped sync.Once
}

// New creates a new system tray
func New(actions Actions) *Tray {
	return &Tray{
		actions: actions,
		quitCh:  make(chan struct{}),
	}
}

// Run starts the tray event loop (blocks, must be called from the main goroutine)
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Stop stops the tray
func (t *Tray) Stop() {
	systray.Quit()
}

// SetStatus updates the indicator. Calls before the tray is ready are applied once it is.
func (t *Tray) SetStatus(st network.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = st
	if t.ready {
		t.apply(st)
	}
}

func (t *Tray) onReady() {
	systray.SetTooltip("keybridge")

	t.mu.Lock()
	t.status = systray.AddMenuItem("", "")
	t.status.Disable()
	systray.AddSeparator()
	reconnect := systray.AddMenuItem("Reconnect", "Retry the connection to the remote")
	disconnect := systray.AddMenuItem("Disconnect", "Close the connection to the remote")
	open := systray.AddMenuItem("Open controller", "Open the operator page")
	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Stop keybridge")
	t.ready = true
	t.apply(t.last)
	t.mu.Unlock()

	go t.handleClicks(reconnect, t.actions.Reconnect)
	go t.handleClicks(disconnect, t.actions.Disconnect)
	go t.handleClicks(open, t.actions.OpenController)
	go t.handleClicks(quit, t.actions.Quit)
}

func (t *Tray) onExit() {
	t.stopped.Do(func() { close(t.quitCh) })
}

func (t *Tray) handleClicks(item *systray.MenuItem, callback func()) {
	for {
		select {
		case <-item.ClickedCh:
			if callback != nil {
				callback()
			}
		case <-t.quitCh:
			return
		}
	}
}

func (t *Tray) apply(st network.Status) {
	systray.SetTitle(title(st))
	systray.SetIcon(statusIcon(st.State))
	if t.status != nil {
		t.status.SetTitle(describe(st))
	}
}

func title(st network.Status) string {
	switch st.State {
	case network.Connected:
		return "KB ●"
	case network.Connecting:
		return "KB …"
	default:
		return "KB ○"
	}
}

func describe(st network.Status) string {
	switch {
	case st.State == network.Connected && st.SessionID != "":
		return fmt.Sprintf("Connected (session %.8s)", st.SessionID)
	case st.State == network.Connected:
		return "Connected"
	case st.State == network.Connecting:
		return fmt.Sprintf("Connecting (attempt %d)", st.Attempts+1)
	case st.Exhausted:
		return fmt.Sprintf("Disconnected after %d attempts", st.Attempts)
	default:
		return "Disconnected"
	}
}

// statusIcon returns a 16x16 32-bit ICO filled with the state colour
func statusIcon(state network.State) []byte {
	var bgra [4]byte
	switch state {
	case network.Connected:
		bgra = [4]byte{0x5e, 0xc5, 0x22, 0xff}
	case network.Connecting:
		bgra = [4]byte{0x0b, 0x9e, 0xf5, 0xff}
	default:
		bgra = [4]byte{0x44, 0x44, 0xef, 0xff}
	}

	const (
		side       = 16
		headerSize = 6 + 16
		dibSize    = 40
		pixelBytes = side * side * 4
		maskBytes  = side * 4 // 1bpp rows padded to 32 bits
	)
	icon := make([]byte, headerSize+dibSize+pixelBytes+maskBytes)

	// ICO header and directory entry
	binary.LittleEndian.PutUint16(icon[2:], 1)
	binary.LittleEndian.PutUint16(icon[4:], 1)
	icon[6], icon[7] = side, side
	binary.LittleEndian.PutUint16(icon[10:], 1)
	binary.LittleEndian.PutUint16(icon[12:], 32)
	binary.LittleEndian.PutUint32(icon[14:], dibSize+pixelBytes+maskBytes)
	binary.LittleEndian.PutUint32(icon[18:], headerSize)

	// DIB header, height doubled for the AND mask
	dib := icon[headerSize:]
	binary.LittleEndian.PutUint32(dib[0:], dibSize)
	binary.LittleEndian.PutUint32(dib[4:], side)
	binary.LittleEndian.PutUint32(dib[8:], side*2)
	binary.LittleEndian.PutUint16(dib[12:], 1)
	binary.LittleEndian.PutUint16(dib[14:], 32)
	binary.LittleEndian.PutUint32(dib[20:], pixelBytes)

	pixels := dib[dibSize : dibSize+pixelBytes]
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			dx, dy := 2*x-side+1, 2*y-side+1
			if dx*dx+dy*dy > (side-2)*(side-2) {
				continue
			}
			copy(pixels[(y*side+x)*4:], bgra[:])
		}
	}
	return icon
}
