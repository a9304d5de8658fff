package postgresql

// Records are stored as JSONB documents; the columns next to them mirror the
// fields used for filtering, ordering and optimistic versioning.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE definitions (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT false,
				priority INT NOT NULL DEFAULT 1,
				tags JSONB NOT NULL DEFAULT '[]',
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_definitions_tenant_status ON definitions(tenant_id, status);
			CREATE INDEX idx_definitions_tags ON definitions USING GIN (tags);

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				entity_id VARCHAR(255),
				entity_type VARCHAR(255),
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				wake_at TIMESTAMP WITH TIME ZONE,
				version BIGINT NOT NULL,
				document JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_definition_status ON executions(definition_id, status);
			CREATE INDEX idx_executions_entity ON executions(entity_type, entity_id);
			CREATE INDEX idx_executions_wake_at ON executions(wake_at) WHERE wake_at IS NOT NULL;
		`,
		2: `
			CREATE TABLE schedules (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_schedules_due ON schedules(next_due_at) WHERE active;
			CREATE INDEX idx_schedules_definition ON schedules(definition_id);

			CREATE TABLE scheduled_starts (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_scheduled_starts_due ON scheduled_starts(due_at) WHERE status = 'PENDIENTE';
		`,
	}
}
