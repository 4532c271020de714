package config

import (
	"strconv"
	"strings"
)

// ParseMountOptions parses a comma-separated FUSE option string
// ("cache=/var/cache/x,allow_other,trace=2") into a FileConfig layer.
//
// Options that belong to libfuse or the kernel (ro, default_permissions,
// -s, ...) are returned in ignored rather than rejected, so existing mount
// command lines keep working.
func ParseMountOptions(opts string) (layer FileConfig, ignored []string) {
	for _, opt := range strings.Split(opts, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, value, hasValue := strings.Cut(opt, "=")
		switch key {
		case "source":
			layer.Source = value
		case "cache":
			layer.CacheDir = value
		case "journal":
			layer.Journal.Path = value
		case "nopersist":
			layer.Journal.Persist = ptrBool(false)
		case "allow_other":
			layer.Mount.AllowOther = ptrBool(true)
		case "flush_interval":
			layer.Flush.Interval = value
		case "flush_on_error":
			layer.Flush.OnError = value
		case "flush_on_unmount":
			layer.Flush.OnUnmount = ptrBool(!hasValue || value != "0")
		case "copy_buffer":
			layer.CopyBuffer = value
		case "trace":
			if n, err := strconv.Atoi(value); err == nil {
				layer.Trace.Level = n
			} else {
				ignored = append(ignored, opt)
			}
		case "transfer_threads":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				layer.Transfer.Workers = &n
			} else {
				ignored = append(ignored, opt)
			}
		case "backup_on_open":
			layer.Transfer.OnOpen = ptrBool(!hasValue || value != "0")
		case "nobackup":
			layer.Transfer.OnOpen = ptrBool(false)
		case "backup_max":
			layer.Transfer.MaxSize = value
		case "trace_file":
			layer.Trace.File = value
		default:
			ignored = append(ignored, opt)
		}
	}
	return layer, ignored
}

func ptrBool(v bool) *bool {
	return &v
}
