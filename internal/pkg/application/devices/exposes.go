package devices

import "github.com/samber/lo"

const (
	TypeLight       = "devices.types.light"
	TypeSocket      = "devices.types.socket"
	TypeSwitch      = "devices.types.switch"
	TypeValve       = "devices.types.valve"
	TypeDoorLock    = "devices.types.door_lock"
	TypeCurtain     = "devices.types.openable.curtain"
	TypeThermostat  = "devices.types.thermostat"
	TypeClimate     = "devices.types.sensor.climate"
	TypeButton      = "devices.types.sensor.button"
	TypeOpenSensor  = "devices.types.sensor.open"
	TypeGasSensor   = "devices.types.sensor.gas"
	TypeMotion      = "devices.types.sensor.motion"
	TypeSmokeSensor = "devices.types.sensor.smoke"
	TypeWaterLeak   = "devices.types.sensor.water_leak"
	TypeVibration   = "devices.types.sensor.vibration"
	TypeIllum       = "devices.types.sensor.illumination"
	TypeWaterMeter  = "devices.types.smart_meter.cold_water"
	TypePowerMeter  = "devices.types.smart_meter.electricity"
)

// ParseExposes translates a hub expose list into the endpoint's type,
// capabilities and properties. Rules are evaluated in a fixed order
// and are additive; the first rule to infer a type wins. An endpoint
// that ends up without a type stays empty and is skipped by discovery.
func ParseExposes(endpoint *Endpoint, exposes []string, options map[string]any) {
	has := func(name string) bool { return lo.Contains(exposes, name) }

	if has("switch") {
		if toString(options["switch"]) == "outlet" {
			endpoint.SetType(TypeSocket)
		} else {
			endpoint.SetType(TypeSwitch)
		}
		endpoint.AddCapability(NewSwitch())
	}

	// the voice taxonomy has no first-class lock, so locks present as
	// a switchable valve or door
	if has("lock") {
		if toString(options["lock"]) == "valve" {
			endpoint.SetType(TypeValve)
		} else {
			endpoint.SetType(TypeDoorLock)
		}
		endpoint.AddCapability(NewSwitch())
	}

	if has("light") {
		endpoint.SetType(TypeLight)
		endpoint.AddCapability(NewSwitch())

		light := toStrings(options["light"])

		if lo.Contains(light, "level") {
			endpoint.AddCapability(NewBrightness())
		}

		if lo.Contains(light, "color") || lo.Contains(light, "colorTemperature") {
			endpoint.AddCapability(NewColor(options))
		}
	}

	if has("cover") {
		endpoint.SetType(TypeCurtain)
		endpoint.AddCapability(NewCurtain())
		endpoint.AddCapability(NewOpen())
	}

	if has("thermostat") {
		endpoint.SetType(TypeThermostat)

		modes := toStrings(toMap(options["systemMode"])["enum"])

		if lo.Contains(modes, "off") {
			modes = lo.Filter(modes, func(m string, _ int) bool { return m != "off" })

			if len(modes) > 0 {
				endpoint.AddCapability(NewThermostatPower(modes[0]))
				endpoint.AddCapability(NewThermostatMode(modes))
			}
		} else if len(modes) > 0 {
			endpoint.AddCapability(NewThermostatMode(modes))
		}

		endpoint.AddCapability(NewTemperature(options))
		endpoint.AddProperty(NewTemperatureProperty())
	}

	if has("action") {
		option := toMap(options["action"])

		actions := toStrings(option["enum"])
		if len(actions) == 0 {
			actions = toStrings(option["trigger"])
		}

		clicks := lo.Filter(actions, func(a string, _ int) bool {
			return a == "singleClick" || a == "doubleClick" || a == "hold"
		})

		if len(clicks) > 0 {
			endpoint.SetType(TypeButton)
			endpoint.AddProperty(NewButtonProperty(clicks))
		}
	}

	if has("contact") {
		endpoint.SetType(TypeOpenSensor)
		endpoint.AddProperty(NewContactProperty())
	}

	if has("gas") {
		endpoint.SetType(TypeGasSensor)
		endpoint.AddProperty(NewGasProperty())
	}

	if has("occupancy") {
		endpoint.SetType(TypeMotion)
		endpoint.AddProperty(NewOccupancyProperty())
	}

	if has("smoke") {
		endpoint.SetType(TypeSmokeSensor)
		endpoint.AddProperty(NewSmokeProperty())
	}

	if has("waterLeak") {
		endpoint.SetType(TypeWaterLeak)
		endpoint.AddProperty(NewWaterLeakProperty())
	}

	if has("vibration") {
		endpoint.SetType(TypeVibration)
		endpoint.AddProperty(NewVibrationProperty())
	}

	if has("temperature") && !toBool(toMap(options["temperature"])["diagnostic"]) {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewTemperatureProperty())
	}

	if has("pressure") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewPressureProperty())
	}

	if has("humidity") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewHumidityProperty())
	}

	if has("co2") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewCO2Property())
	}

	if has("pm1") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewPM1Property())
	}

	if has("pm10") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewPM10Property())
	}

	if has("pm25") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewPM25Property())
	}

	if has("voc") {
		endpoint.SetType(TypeClimate)
		endpoint.AddProperty(NewVOCProperty())
	}

	if has("illuminance") {
		endpoint.SetType(TypeIllum)
		endpoint.AddProperty(NewIlluminanceProperty())
	}

	if has("volume") {
		endpoint.SetType(TypeWaterMeter)
		endpoint.AddProperty(NewVolumeProperty())
	}

	if has("energy") {
		endpoint.SetType(TypePowerMeter)
		endpoint.AddProperty(NewEnergyProperty())
	}

	if has("voltage") {
		endpoint.SetType(TypePowerMeter)
		endpoint.AddProperty(NewVoltageProperty())
	}

	if has("current") {
		endpoint.SetType(TypePowerMeter)
		endpoint.AddProperty(NewCurrentProperty())
	}

	if has("power") {
		endpoint.SetType(TypePowerMeter)
		endpoint.AddProperty(NewPowerProperty())
	}

	if has("fanMode") {
		endpoint.AddCapability(NewFanMode(toStrings(toMap(options["fanMode"])["enum"])))
	}

	if has("heatMode") {
		endpoint.AddCapability(NewHeatMode(toStrings(toMap(options["heatMode"])["enum"])))
	}

	if has("swingMode") {
		endpoint.AddCapability(NewSwingMode(toStrings(toMap(options["swingMode"])["enum"])))
	}

	// battery state only makes sense on an endpoint that is something
	if endpoint.Type() == "" {
		return
	}

	if has("battery") {
		endpoint.AddProperty(NewBatteryProperty())
	} else if has("batteryLow") {
		endpoint.AddProperty(NewBatteryLowProperty())
	}
}
