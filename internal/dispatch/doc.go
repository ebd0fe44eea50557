// Package dispatch executes workflows asynchronously: Submit creates a
// workflow and publishes its id, and a Processor consumes ids from a memory,
// Redis or RabbitMQ queue and runs them through the orchestrator.
package dispatch
