// Package config loads state machine specs and the tollgate.yaml application
// configuration.
//
// # Spec Documents
//
// A spec document declares one table per domain under the statemachine key:
//
//	statemachine:
//	  task:
//	    states:
//	      todo:
//	        initial: true
//	        allowed_transitions:
//	          - to: wip
//	            guard: can_start_task
//	      wip:
//	        allowed_transitions:
//	          - to: done
//	            conditions:
//	              - name: all_work_complete
//	                or:
//	                  - name: has_override
//	                error: work is still open
//	            actions:
//	              - name: mark_completed
//	      done:
//	        final: true
//
// Documents may be YAML, JSON or CUE. Every document is checked against a
// closed CUE schema, decoded with mapstructure and validated with struct
// tags. Conditions need a name or an or list. Targets that are not declared
// as states produce warnings.
//
// # Application Config
//
// LoadConfig reads tollgate.yaml over DefaultConfig. Relative paths resolve
// against the directory holding the file.
package config
