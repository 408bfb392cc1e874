package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String("method", method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", SanitizePath(path))
}

func statusAttr(status int) attribute.KeyValue {
	return attribute.String("status", strconv.Itoa(status))
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

func reasonAttr(reason string) attribute.KeyValue {
	if reason == "" {
		reason = "none"
	}
	return attribute.String("reason", reason)
}

func tierAttr(tier string) attribute.KeyValue {
	return attribute.String("tier", tier)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String("backend", backend)
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String("service", service)
}
