package validate

// Stable validation error codes. These appear in persisted reports and API
// responses; renaming one is a breaking change for clients.
const (
	CodeHashMismatch        = "V_HASH_MISMATCH"
	CodeHashMissingArtifact = "V_HASH_MISSING_ARTIFACT"
	CodeParseSQLSyntax      = "V_PARSE_SQL_SYNTAX"
	CodeParseYAMLSyntax     = "V_PARSE_YAML_SYNTAX"
	CodeParseJSONSyntax     = "V_PARSE_JSON_SYNTAX"
	CodeCircularDependency  = "V_REF_CIRCULAR_DEPENDENCY"
	CodeContractIncomplete  = "V_TYPE_CONTRACT_INCOMPLETE"
	CodeAttributeMismatch   = "V_TYPE_ATTRIBUTE_MISMATCH"
	CodeOrphanArtifact      = "V:WARN:ORPHAN_ARTIFACT"

	// DDL findings are warnings at this stage; the dry-run escalates them to
	// errors unless the manifest declares breaking_change.
	CodeNonTransactionalDDL = "D_SCHEMA_NON_TRANSACTIONAL_DDL"
	CodeForbiddenDDL        = "D_SCHEMA_FORBIDDEN_DDL"

	// Registry reference codes used by the dry-run stage.
	CodeMissingEntity    = "V_REF_MISSING_ENTITY"
	CodeMissingAttribute = "V_REF_MISSING_ATTRIBUTE"

	// Migration application failure inside the scratch schema.
	CodeMigrationFailed = "D_SCHEMA_MIGRATION_FAILED"
)
