package sqlinline

const QInsertJob = `--sql 7c1f2a44-9d3b-4e8f-a1c6-2b90d4f71e55
insert into generation_jobs(
  id,
  account_id,
  kind,
  provider_name,
  model_name,
  status,
  request_json,
  credit_cost,
  created_at,
  updated_at
) values (
  $1::uuid,
  $2::uuid,
  $3::text,
  $4::text,
  $5::text,
  'pending',
  $6::jsonb,
  $7::int,
  now(),
  now()
);
`

const QMarkJobProcessing = `--sql 3e7d9b12-55af-4c01-bd38-6f24c8a90d17
update generation_jobs
set status = 'processing',
    external_request_id = $2::text,
    updated_at = now()
where id = $1::uuid
  and status = 'pending';
`

const QCompleteJob = `--sql 91b4e6c8-0f2d-4a73-8e51-c7a6d3b8f204
update generation_jobs
set status = 'completed',
    result_artifact_url = $2::text,
    storage_url = $3::text,
    updated_at = now(),
    completed_at = now()
where id = $1::uuid
  and status = 'processing';
`

const QFailJob = `--sql 5a2c8f90-1e6b-4d47-9c03-84b7f2d5a6e1
update generation_jobs
set status = 'failed',
    error_message = $2::text,
    updated_at = now(),
    completed_at = now()
where id = $1::uuid
  and status in ('pending', 'processing');
`

const QSelectJobByID = `--sql c8d51e02-7a94-4f6b-b3d8-09e2f4a7c613
select id, account_id, kind, provider_name, model_name,
       coalesce(external_request_id, ''),
       status, request_json,
       coalesce(result_artifact_url, ''),
       coalesce(storage_url, ''),
       coalesce(error_message, ''),
       credit_cost, credit_refunded,
       created_at, updated_at, completed_at
from generation_jobs
where id = $1::uuid
limit 1;
`

const QSelectJobByExternalID = `--sql e4a09c7d-2b58-4631-af82-d15c6e93b740
select id, account_id, kind, provider_name, model_name,
       coalesce(external_request_id, ''),
       status, request_json,
       coalesce(result_artifact_url, ''),
       coalesce(storage_url, ''),
       coalesce(error_message, ''),
       credit_cost, credit_refunded,
       created_at, updated_at, completed_at
from generation_jobs
where provider_name = $1::text
  and external_request_id = $2::text
order by created_at desc
limit 1;
`

const QSelectUnresolvedJobs = `--sql 2f6b8d43-c1a7-4e95-8062-5d3e9f14b7c8
select id, account_id, kind, provider_name, model_name,
       coalesce(external_request_id, ''),
       status, request_json,
       coalesce(result_artifact_url, ''),
       coalesce(storage_url, ''),
       coalesce(error_message, ''),
       credit_cost, credit_refunded,
       created_at, updated_at, completed_at
from generation_jobs
where status in ('pending', 'processing')
order by created_at asc
limit $1::int;
`
