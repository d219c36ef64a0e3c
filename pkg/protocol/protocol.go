package protocol

import "fmt"

// ID identifies the protocol spoken on a connection. Values match the
// protocol ids advertised in module manifests.
type ID = uint8

const (
	Control        ID = 0x00
	AP             ID = 0x01
	GPIO           ID = 0x02
	I2C            ID = 0x03
	UART           ID = 0x04
	HID            ID = 0x05
	USB            ID = 0x06
	SDIO           ID = 0x07
	Battery        ID = 0x08
	PWM            ID = 0x09
	I2SMgmt        ID = 0x0a
	SPI            ID = 0x0b
	Display        ID = 0x0c
	Camera         ID = 0x0d
	Sensor         ID = 0x0e
	Lights         ID = 0x0f
	Vibrator       ID = 0x10
	Loopback       ID = 0x11
	I2SReceiver    ID = 0x12
	I2STransmitter ID = 0x13
	SVC            ID = 0x14
	Raw            ID = 0xfe
	Vendor         ID = 0xff
)

var names = map[ID]string{
	Control:        "control",
	AP:             "ap",
	GPIO:           "gpio",
	I2C:            "i2c",
	UART:           "uart",
	HID:            "hid",
	USB:            "usb",
	SDIO:           "sdio",
	Battery:        "battery",
	PWM:            "pwm",
	I2SMgmt:        "i2s-mgmt",
	SPI:            "spi",
	Display:        "display",
	Camera:         "camera",
	Sensor:         "sensor",
	Lights:         "lights",
	Vibrator:       "vibrator",
	Loopback:       "loopback",
	I2SReceiver:    "i2s-receiver",
	I2STransmitter: "i2s-transmitter",
	SVC:            "svc",
	Raw:            "raw",
	Vendor:         "vendor",
}

func Name(id ID) string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("protocol-0x%02x", id)
}

// Version is the major/minor pair exchanged by get-version requests.
type Version struct {
	Major uint8
	Minor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
