// Package dsl loads the declarative definitions the engine executes:
// services, data models, workflows, permissions, credentials, plugins,
// migrations, tests, and deployments, written as YAML documents organized
// in a directory tree by reverse-DNS authority.
//
// The package has three layers:
//
//   - Parsing: Parse turns one YAML document into a typed Definition,
//     reporting ParseError values with line/column positions. Discover
//     walks {authority}/{entity}/*.yaml and collects definitions without
//     aborting on individual file failures.
//   - Resolution: Resolver builds the multi-parent inheritance graph
//     (child -> parent edges), rejects cycles with the full path, and
//     merges parents before children with deterministic rules: child wins
//     on overlap, earlier-declared parents win between parents.
//   - Reduction: ReduceWorkflow lowers a resolved Workflow definition into
//     the engine's state-machine form, and SchemaValidator compiles
//     resolved data models into JSON Schemas that gate instance contexts.
//
// Data models may reference each other freely (Person.address -> Address);
// references stay NSID strings resolved by lookup, never embedded. Only
// the inheritance relation must be acyclic.
package dsl
