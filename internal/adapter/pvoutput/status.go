package pvoutput

import (
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
)

// Sample keys consumed by the status payload.
const (
	KeySolarEnergyToday  = "solar_energy_today"
	KeyPVPowerNow        = "pv_power_now"
	KeyGridConsumedToday = "grid_consumption_energy_today"
	KeyLoadPower         = "load_power"
	KeyInverterTemp      = "invtemp"
)

// RequiredKeys must all be present for an upload to be attempted.
var RequiredKeys = []string{
	KeySolarEnergyToday,
	KeyPVPowerNow,
	KeyGridConsumedToday,
	KeyLoadPower,
}

// VoltageKeys are tried in order; the first present one is reported as v6.
var VoltageKeys = []string{"rvolt", "grid_voltage_R", "rvolt_R", "rvolt_A"}

// ReportedKeys returns every key the payload can use.
func ReportedKeys() []string {
	keys := make([]string, 0, len(RequiredKeys)+1+len(VoltageKeys))
	keys = append(keys, RequiredKeys...)
	keys = append(keys, KeyInverterTemp)
	keys = append(keys, VoltageKeys...)
	return keys
}

// BuildStatus encodes sample as an addstatus form. Energy and power are
// sent in Wh and W. It returns the missing required keys instead when the
// sample is incomplete.
func BuildStatus(sample *domain.Sample, now time.Time) (url.Values, []string) {
	if missing := sample.Missing(RequiredKeys...); len(missing) > 0 {
		return nil, missing
	}

	form := url.Values{}
	form.Set("d", now.Format("20060102"))
	form.Set("t", now.Format("15:04"))
	form.Set("v1", milli(sample.Values[KeySolarEnergyToday]))
	form.Set("v2", milli(sample.Values[KeyPVPowerNow]))
	form.Set("v3", milli(sample.Values[KeyGridConsumedToday]))
	form.Set("v4", milli(sample.Values[KeyLoadPower]))

	if temp, ok := sample.Get(KeyInverterTemp); ok {
		form.Set("v5", hundredths(temp))
	}
	if volt, ok := resolveVoltage(sample); ok {
		form.Set("v6", hundredths(volt))
	}
	return form, nil
}

func resolveVoltage(sample *domain.Sample) (float64, bool) {
	for _, k := range VoltageKeys {
		if v, ok := sample.Get(k); ok {
			return v, true
		}
	}
	return 0, false
}

// milli converts kilo-units to whole units.
func milli(v float64) string {
	return strconv.FormatInt(int64(math.Round(v*1000)), 10)
}

// hundredths rounds to two decimals without padding trailing zeros.
func hundredths(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
