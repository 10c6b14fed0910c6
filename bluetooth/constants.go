package bluetooth

const (
	BLUEZ_BUS_NAME           = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE  = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE   = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE_IFACE = "org.bluez.GattService1"
	BLUEZ_GATT_CHAR_IFACE    = "org.bluez.GattCharacteristic1"
	BLUEZ_OBJECT_PATH        = "/org/bluez"

	DBUS_OBJECT_MANAGER_IFACE = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_IFACE     = "org.freedesktop.DBus.Properties"
)

// Recorder GATT layout (must match the RambleRecorder firmware). The
// firmware exposes a Nordic UART style service: one write characteristic
// for commands, one notify characteristic for sync traffic.
const (
	RecorderServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	CommandCharUUID     = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // write without response
	DataCharUUID        = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify

	DefaultDeviceName = "RambleRecorder"
)
