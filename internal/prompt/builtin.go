package prompt

var builtinTemplates = map[string]string{
	Architect: architectTemplate,
	Developer: developerTemplate,
	Reviewer:  reviewerTemplate,
}

const architectTemplate = `# Plan: {{issue_title}}

You are the architect. Break the issue below into small implementation tasks
that a developer can complete one at a time.

## Issue {{issue_id}}
{{issue_body}}

{{#if acceptance_criteria}}

## Acceptance criteria
Every criterion must be covered by at least one task:
{{acceptance_criteria}}
{{/if}}

## Repository
Working tree: {{worktree_path}}
Read the code you need, but do not modify any files.
{{#if feedback}}

## Feedback on the previous plan
The previous plan was rejected. Address this feedback:
{{feedback}}
{{/if}}

## Output
Reply with a single JSON object and nothing else:

` + "```json" + `
{
  "tasks": [
    {
      "id": "short-unique-id",
      "description": "what to do",
      "dependencies": ["ids of tasks that must finish first"],
      "files": [{"operation": "create|modify|delete", "path": "relative/path", "line_range": "optional"}],
      "steps": [{"description": "step", "code": "optional", "command": "optional", "expected_output": "optional"}],
      "commit_message": "conventional commit message"
    }
  ]
}
` + "```" + `

Task IDs must be unique, every dependency must name another task, and the
dependencies must not form a cycle.
`

const developerTemplate = `# Task {{task_id}}: {{issue_title}}

You are the developer. Complete exactly this task in the working tree.

## Task
{{task_description}}
{{#if task_files}}

## Files
{{task_files}}
{{/if}}
{{#if task_steps}}

## Steps
{{task_steps}}
{{/if}}

## Repository
Working tree: {{worktree_path}}
{{#if commit_message}}
Suggested commit message: {{commit_message}}
{{/if}}
{{#if feedback}}

## Reviewer feedback to address
{{feedback}}
{{/if}}

## Output
{{#if return_diff}}
Do not write files. Put every change in a unified diff relative to the
repository root.
{{/if}}
Finish with a single JSON object:

` + "```json" + `
{"status": "completed|failed", "summary": "what you did"{{#if return_diff}}, "diff": "unified diff"{{/if}}}
` + "```" + `
`

const reviewerTemplate = `# Review: {{issue_title}}

You are reviewing as: {{persona}}
Review iteration: {{iteration}}

## Issue
{{issue_body}}
{{#if plan_summary}}

## Planned tasks
{{plan_summary}}
{{/if}}
{{#if prior_feedback}}

## Previous review feedback
{{prior_feedback}}
{{/if}}

## Staged diff
` + "```diff" + `
{{diff}}
` + "```" + `

## Output
Reply with a single JSON object:

` + "```json" + `
{"approved": true, "severity": "low|medium|high|critical", "comments": "what must change, or why it is acceptable"}
` + "```" + `
`
