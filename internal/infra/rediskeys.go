package infra

// RedisNamespace базовый префикс для изоляции данных шлюза в общем Redis
const RedisNamespace = "gateway"

// Ключи (состояние)
const (
	RedisKeyCachePrefix = RedisNamespace + ":cache:"
	// RedisKeyHaltedBackends хранит Set бэкендов, остановленных оператором. Читается при старте.
	RedisKeyHaltedBackends = RedisNamespace + ":backends:halted"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyUpdate: любое сообщение заставляет все инстансы перечитать правила.
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
	// RedisChanEvents несет операционные события (бюджет, breaker, потеря трасс) для дашбордов.
	RedisChanEvents = RedisNamespace + ":events"
	// RedisChanBackendHalt: "<backend_id>:on" останавливает бэкенд, "<backend_id>:off" возвращает.
	RedisChanBackendHalt = RedisNamespace + ":backend-halt"
)
