// Package rabbitmq provides the RabbitMQ plumbing behind the courier
// transport.
//
// This package includes:
//   - ConnectionManager: one broker connection with automatic reconnection
//   - ChannelPool: reusable confirm-mode channels
//   - Publisher: batch publishing that waits for broker confirms
//   - Consumer: queue consumption with ack/nack by handler outcome
//   - TopologyManager: exchange, queue and binding declarations plus queue
//     inspection
package rabbitmq
