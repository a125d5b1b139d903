package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotdc_messages_sent_total",
			Help: "Messages delivered to the cloud.",
		},
		[]string{"endpoint"},
	)

	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotdc_messages_received_total",
			Help: "Messages received from the cloud.",
		},
		[]string{"endpoint"},
	)

	MessagesRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotdc_messages_retried_total",
			Help: "Messages requeued after a failed exchange.",
		},
		[]string{"endpoint"},
	)

	BytesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotdc_bytes_sent_total",
			Help: "Serialized bytes delivered to the cloud.",
		},
		[]string{"endpoint"},
	)

	BytesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotdc_bytes_received_total",
			Help: "Serialized bytes received from the cloud.",
		},
		[]string{"endpoint"},
	)

	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotdc_protocol_errors_total",
			Help: "Failed exchanges with the cloud.",
		},
		[]string{"endpoint"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		MessagesSentTotal,
		MessagesReceivedTotal,
		MessagesRetriedTotal,
		BytesSentTotal,
		BytesReceivedTotal,
		ProtocolErrorsTotal,
	)
}
