package oracle

import (
	"fmt"
	"sort"
	"sync"
)

// Builder constructs one oracle instance from task params. Construction
// errors mean invalid params, not device failures.
type Builder func(params map[string]any) (Oracle, error)

// builders is the compile-time plugin registry. No dynamic discovery: a
// plugin exists iff it is listed here. Built lazily on first use (rather
// than as a package-level var initializer) because the composite oracle
// builders call back into New, which reads this same map: a direct
// initializer creates a spurious compile-time initialization cycle even
// though no actual call happens until after the package is fully loaded.
var (
	buildersOnce sync.Once
	builders     map[string]Builder
)

func initBuilders() {
	builders = map[string]Builder{
		"provider_sms":        providerBuilder(0),
		"provider_contacts":   providerBuilder(1),
		"provider_calendar":   providerBuilder(2),
		"provider_calllog":    providerBuilder(3),
		"provider_mediastore": providerBuilder(4),
		"provider_downloads":  providerBuilder(5),

		"settings_check": newSettingsOracle,
		"device_time":    newDeviceTimeOracle,
		"boot_health":    newBootHealthOracle,

		"dumpsys_telephony_call_state": newTelephonyCallStateOracle,
		"dumpsys_notifications":        newNotificationsOracle,
		"dumpsys_window":               newWindowOracle,
		"dumpsys_activity":             newActivityOracle,
		"dumpsys_appops":               newAppOpsOracle,
		"dumpsys_package":              newPackageOracle,

		"sdcard_json_receipt":            newSdcardJsonReceiptOracle,
		"file_hash":                      newFileHashOracle,
		"notification_listener_receipt":  newNotificationListenerReceiptOracle,
		"clipboard_receipt":              newClipboardReceiptOracle,

		"host_artifact_json": newHostArtifactJsonOracle,
		"network_receipt":    newNetworkReceiptOracle,
		"network_proxy":      newNetworkProxyOracle,

		"sqlite_pull_query": newSqlitePullQueryOracle,
		"root_sqlite":       newRootSqliteOracle,

		"package_snapshot":  newPackageSnapshotOracle,
		"settings_snapshot": newSettingsSnapshotOracle,

		"all_of": func(params map[string]any) (Oracle, error) { return newCompositeOracle("all_of", params) },
		"any_of": func(params map[string]any) (Oracle, error) { return newCompositeOracle("any_of", params) },

		"no_oracle": newNoOracle,
	}
}

func providerBuilder(index int) Builder {
	family := providerFamilies[index]
	return func(params map[string]any) (Oracle, error) {
		return newProviderOracle(family, params)
	}
}

// New builds the oracle registered under id.
func New(id string, params map[string]any) (Oracle, error) {
	buildersOnce.Do(initBuilders)
	builder, ok := builders[id]
	if !ok {
		return nil, fmt.Errorf("unknown oracle plugin: %s", id)
	}
	return builder(params)
}

// Known reports whether an oracle id is registered.
func Known(id string) bool {
	buildersOnce.Do(initBuilders)
	_, ok := builders[id]
	return ok
}

// IDs lists every registered oracle id, sorted.
func IDs() []string {
	buildersOnce.Do(initBuilders)
	ids := make([]string, 0, len(builders))
	for id := range builders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
