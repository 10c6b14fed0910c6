package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	// signalBuffer absorbs notification bursts flushed by the kernel in
	// one connection event.
	signalBuffer = 100

	propertiesChangedMember = "org.freedesktop.DBus.Properties.PropertiesChanged"

	resolvePollInterval = 500 * time.Millisecond
)

// DeviceOptions select the recorder peripheral. Address takes precedence
// over Name when set. The device must already be paired; rambled never
// scans or pairs.
type DeviceOptions struct {
	Name           string
	Address        string
	Adapter        string
	ConnectTimeout time.Duration
}

func (o *DeviceOptions) withDefaults() DeviceOptions {
	out := *o
	if out.Name == "" {
		out.Name = DefaultDeviceName
	}
	if out.Adapter == "" {
		out.Adapter = "hci0"
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 15 * time.Second
	}
	return out
}

// BleClient is the BlueZ implementation of Transport. It talks GATT via
// the system D-Bus: device lookup through ObjectManager, notification
// delivery through PropertiesChanged signals, command writes through
// WriteValue on the command characteristic.
type BleClient struct {
	log  *zap.Logger
	conn *dbus.Conn
	opts DeviceOptions

	devicePath  dbus.ObjectPath
	servicePath dbus.ObjectPath
	commandPath dbus.ObjectPath
	dataPath    dbus.ObjectPath

	address string
	name    string

	charRule   string
	deviceRule string

	sigChan       chan *dbus.Signal
	notifications chan []byte
	stopChan      chan struct{}
	closeOnce     sync.Once
}

// DialRecorder connects to the recorder, resolves the sync service and
// subscribes to its data characteristic. On success the returned client
// is delivering notifications.
func DialRecorder(ctx context.Context, log *zap.Logger, opts DeviceOptions) (*BleClient, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}

	c := &BleClient{
		log:           log,
		conn:          conn,
		opts:          opts.withDefaults(),
		notifications: make(chan []byte, 32),
		stopChan:      make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.findDevice(); err != nil {
		return nil, err
	}
	if err := c.connectDevice(ctx); err != nil {
		return nil, err
	}
	if err := c.resolveCharacteristics(); err != nil {
		c.disconnectDevice()
		return nil, err
	}
	if err := c.subscribe(); err != nil {
		c.disconnectDevice()
		return nil, err
	}

	go c.readLoop()

	c.log.Info("ble: recorder connected",
		zap.String("address", c.address),
		zap.String("name", c.name),
		zap.String("device", string(c.devicePath)))
	return c, nil
}

// Device returns the connected peripheral's address and name.
func (c *BleClient) Device() (address, name string) {
	return c.address, c.name
}

// WriteCommand writes data to the command characteristic as a write
// without response.
func (c *BleClient) WriteCommand(data []byte) error {
	select {
	case <-c.stopChan:
		return ErrClosed
	default:
	}
	charObj := c.conn.Object(BLUEZ_BUS_NAME, c.commandPath)
	options := map[string]interface{}{"type": "command"}
	if err := charObj.Call(BLUEZ_GATT_CHAR_IFACE+".WriteValue", 0, data, options).Err; err != nil {
		return fmt.Errorf("ble: write command: %w", err)
	}
	return nil
}

// Notifications implements Transport.
func (c *BleClient) Notifications() <-chan []byte {
	return c.notifications
}

// Close unsubscribes, disconnects the device and closes the notification
// channel. Safe to call more than once.
func (c *BleClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)

		charObj := c.conn.Object(BLUEZ_BUS_NAME, c.dataPath)
		if err := charObj.Call(BLUEZ_GATT_CHAR_IFACE+".StopNotify", 0).Err; err != nil {
			c.log.Debug("ble: stop notify failed", zap.Error(err))
		}
		c.removeMatch(c.charRule)
		c.removeMatch(c.deviceRule)
		c.disconnectDevice()
		c.log.Info("ble: recorder disconnected", zap.String("address", c.address))
	})
	return nil
}

// findDevice locates the paired recorder through the BlueZ object tree.
func (c *BleClient) findDevice() error {
	objects, err := c.managedObjects()
	if err != nil {
		return err
	}

	adapterPrefix := BLUEZ_OBJECT_PATH + "/" + c.opts.Adapter + "/dev_"
	for path, ifaces := range objects {
		dev, ok := ifaces[BLUEZ_DEVICE_INTERFACE]
		if !ok || !strings.HasPrefix(string(path), adapterPrefix) {
			continue
		}

		address := stringProp(dev, "Address")
		name := stringProp(dev, "Name")
		if name == "" {
			name = stringProp(dev, "Alias")
		}

		if c.opts.Address != "" {
			if !strings.EqualFold(address, c.opts.Address) {
				continue
			}
		} else if name != c.opts.Name {
			continue
		}

		c.devicePath = path
		c.address = address
		c.name = name
		c.log.Info("ble: recorder found",
			zap.String("address", address),
			zap.String("name", name))
		return nil
	}

	return fmt.Errorf("%w (name %q, address %q)", ErrDeviceNotFound, c.opts.Name, c.opts.Address)
}

// connectDevice establishes the LE link and waits for GATT service
// resolution.
func (c *BleClient) connectDevice(ctx context.Context) error {
	deviceObj := c.conn.Object(BLUEZ_BUS_NAME, c.devicePath)

	var connected bool
	if err := deviceObj.Call(DBUS_PROPERTIES_IFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected); err != nil {
		return fmt.Errorf("ble: read Connected: %w", err)
	}

	if !connected {
		if err := deviceObj.Call(BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err; err != nil {
			// InProgress means another caller beat us to it, the
			// wait loop below covers that case too.
			if !strings.Contains(err.Error(), "InProgress") {
				return fmt.Errorf("ble: connect %s: %w", c.address, err)
			}
		}
	}

	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		var resolved bool
		if err := deviceObj.Call(DBUS_PROPERTIES_IFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, "ServicesResolved").Store(&resolved); err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: waiting for services on %s: %w", c.address, ctx.Err())
		case <-ticker.C:
		}
	}
}

// resolveCharacteristics walks the GATT tree for the recorder service and
// its two channel endpoints.
func (c *BleClient) resolveCharacteristics() error {
	objects, err := c.managedObjects()
	if err != nil {
		return err
	}

	devicePrefix := string(c.devicePath) + "/service"
	for path, ifaces := range objects {
		svc, ok := ifaces[BLUEZ_GATT_SERVICE_IFACE]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		if strings.EqualFold(stringProp(svc, "UUID"), RecorderServiceUUID) {
			c.servicePath = path
			break
		}
	}
	if c.servicePath == "" {
		return fmt.Errorf("%w: sync service %s missing", ErrCharacteristicsNotFound, RecorderServiceUUID)
	}

	servicePrefix := string(c.servicePath) + "/char"
	for path, ifaces := range objects {
		char, ok := ifaces[BLUEZ_GATT_CHAR_IFACE]
		if !ok || !strings.HasPrefix(string(path), servicePrefix) {
			continue
		}
		switch uuid := stringProp(char, "UUID"); {
		case strings.EqualFold(uuid, CommandCharUUID):
			c.commandPath = path
		case strings.EqualFold(uuid, DataCharUUID):
			c.dataPath = path
		}
	}

	if c.commandPath == "" {
		return fmt.Errorf("%w: command endpoint %s missing", ErrCharacteristicsNotFound, CommandCharUUID)
	}
	if c.dataPath == "" {
		return fmt.Errorf("%w: data endpoint %s missing", ErrCharacteristicsNotFound, DataCharUUID)
	}

	c.log.Debug("ble: characteristics resolved",
		zap.String("command", string(c.commandPath)),
		zap.String("data", string(c.dataPath)))
	return nil
}

// subscribe registers the signal matches and enables notifications on the
// data characteristic.
func (c *BleClient) subscribe() error {
	c.charRule = fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", c.dataPath)
	c.deviceRule = fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", c.devicePath)

	if err := c.addMatch(c.charRule); err != nil {
		return err
	}
	if err := c.addMatch(c.deviceRule); err != nil {
		c.removeMatch(c.charRule)
		return err
	}

	c.sigChan = make(chan *dbus.Signal, signalBuffer)
	c.conn.Signal(c.sigChan)

	charObj := c.conn.Object(BLUEZ_BUS_NAME, c.dataPath)
	if err := charObj.Call(BLUEZ_GATT_CHAR_IFACE+".StartNotify", 0).Err; err != nil {
		c.conn.RemoveSignal(c.sigChan)
		c.removeMatch(c.charRule)
		c.removeMatch(c.deviceRule)
		return fmt.Errorf("ble: start notify: %w", err)
	}
	return nil
}

// readLoop forwards characteristic value updates to the notification
// channel in arrival order and watches the device link. The notification
// channel closes when this loop exits.
func (c *BleClient) readLoop() {
	defer func() {
		c.conn.RemoveSignal(c.sigChan)
		close(c.notifications)
	}()

	for {
		select {
		case <-c.stopChan:
			return
		case sig, ok := <-c.sigChan:
			if !ok {
				return
			}
			if sig == nil || sig.Name != propertiesChangedMember || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}

			switch sig.Path {
			case c.dataPath:
				variant, ok := changed["Value"]
				if !ok {
					continue
				}
				raw, ok := variant.Value().([]byte)
				if !ok {
					continue
				}
				chunk := make([]byte, len(raw))
				copy(chunk, raw)
				select {
				case c.notifications <- chunk:
				case <-c.stopChan:
					return
				}

			case c.devicePath:
				if variant, ok := changed["Connected"]; ok {
					if connected, ok := variant.Value().(bool); ok && !connected {
						c.log.Warn("ble: recorder link lost", zap.String("address", c.address))
						return
					}
				}
			}
		}
	}
}

func (c *BleClient) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := c.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER_IFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: get managed objects: %w", err)
	}
	return objects, nil
}

func (c *BleClient) addMatch(rule string) error {
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("ble: add match: %w", err)
	}
	return nil
}

func (c *BleClient) removeMatch(rule string) {
	if rule == "" {
		return
	}
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
		c.log.Debug("ble: remove match failed", zap.Error(err))
	}
}

func (c *BleClient) disconnectDevice() {
	deviceObj := c.conn.Object(BLUEZ_BUS_NAME, c.devicePath)
	if err := deviceObj.Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
		c.log.Debug("ble: device disconnect failed", zap.Error(err))
	}
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}
